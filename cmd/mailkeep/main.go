package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pepperpark/mailkeep/internal/account"
	"github.com/pepperpark/mailkeep/internal/backup"
	"github.com/pepperpark/mailkeep/internal/credential"
	"github.com/pepperpark/mailkeep/internal/export"
	"github.com/pepperpark/mailkeep/internal/progress"
	"github.com/pepperpark/mailkeep/internal/sanitize"
	"github.com/pepperpark/mailkeep/internal/session"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailkeep",
		Short: "Mailkeep - back up IMAP mailboxes to local disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			// default to help
			return cmd.Help()
		},
	}

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("mailkeep %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up all enabled accounts",
		RunE:  runBackup,
	}
	addBackupFlags(backupCmd)
	rootCmd.AddCommand(backupCmd)

	rootCmd.AddCommand(newAccountsCmd())

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a backed-up folder to an mbox file",
		RunE:  runExport,
	}
	addExportFlags(exportCmd)
	rootCmd.AddCommand(exportCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// backup command options
type backupOptions struct {
	config   string
	root     string
	accounts []string
	insecure bool
	timeout  time.Duration
	noTUI    bool
	verbose  bool
}

type ctxKey struct{}

func addBackupFlags(cmd *cobra.Command) {
	o := &backupOptions{}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = false
	cmd.Flags().StringVar(&o.config, "config", "", "Path to the mailkeep config file")
	cmd.Flags().StringVar(&o.root, "root", "", "Backup destination directory (overrides config)")
	cmd.Flags().StringArrayVar(&o.accounts, "account", nil, "Back up only the named account (can be repeated)")
	cmd.Flags().BoolVar(&o.insecure, "insecure", false, "Skip TLS verification")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "Per-operation transport timeout")
	cmd.Flags().BoolVar(&o.noTUI, "no-tui", false, "Plain log output instead of the progress UI")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Enable detailed per-folder logs")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, o))
		return nil
	}
}

func loadRegistry(path string) (*account.Registry, error) {
	if path == "" {
		var err error
		path, err = account.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("locate config: %w", err)
		}
	}
	reg, err := account.Load(path)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	o := cmd.Context().Value(ctxKey{}).(*backupOptions)

	reg, err := loadRegistry(o.config)
	if err != nil {
		return err
	}
	root := o.root
	if root == "" {
		root = reg.BackupRoot
	}
	if root == "" {
		return fmt.Errorf("no backup root configured: set backup_root in the config or pass --root")
	}

	accounts := reg.Enabled()
	if len(o.accounts) > 0 {
		accounts = filterAccounts(accounts, o.accounts)
	}
	if len(accounts) == 0 {
		fmt.Println("No enabled accounts to back up.")
		return nil
	}

	dialer := &session.IMAPDialer{
		Credentials: &credential.Keyring{},
		TLSConfig:   &tls.Config{InsecureSkipVerify: o.insecure},
		Timeout:     o.timeout,
	}
	tracker := progress.NewTracker()
	runner := backup.NewRunner(dialer, tracker, backup.Options{Root: root, Quiet: !o.verbose})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if o.noTUI {
		err = runner.Run(ctx, accounts)
	} else {
		err = runBackupTUI(ctx, runner, accounts)
	}
	if err != nil && err != context.Canceled {
		return err
	}

	snap := tracker.Snapshot()
	persistCounters(reg, snap)
	printSummary(snap)
	return nil
}

func filterAccounts(accounts []account.Account, names []string) []account.Account {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	out := make([]account.Account, 0, len(accounts))
	for _, a := range accounts {
		if want[a.Name] {
			out = append(out, a)
		}
	}
	return out
}

// persistCounters writes per-account run results back into the registry,
// which owns the durable counters.
func persistCounters(reg *account.Registry, snap progress.Snapshot) {
	now := time.Now()
	for _, st := range snap.Accounts {
		a, ok := reg.Find(st.Name)
		if !ok || !st.Complete {
			continue
		}
		a.LastBackup = now
		a.LastNewEmails = st.NewEmails
		if st.TotalEmails > 0 {
			a.EmailCount = st.TotalEmails
		}
	}
	if err := reg.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not persist account counters: %v\n", err)
	}
}

func printSummary(snap progress.Snapshot) {
	switch snap.State {
	case progress.StateCancelled:
		fmt.Println("Backup cancelled.")
	case progress.StateCompleted:
		fmt.Printf("Backup completed: %d new message(s), %d byte(s).\n", snap.TotalNewEmails, snap.TotalBytes)
	}
	for _, a := range snap.Accounts {
		if a.Err != "" {
			fmt.Printf(" - %s: %s\n", a.Name, a.Err)
		}
	}
}

// accounts subcommand

func newAccountsCmd() *cobra.Command {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the account registry",
	}

	var config string
	accountsCmd.PersistentFlags().StringVar(&config, "config", "", "Path to the mailkeep config file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(config)
			if err != nil {
				return err
			}
			if len(reg.Accounts) == 0 {
				fmt.Println("No accounts configured.")
				return nil
			}
			for _, a := range reg.Accounts {
				state := "enabled"
				if !a.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-20s %s@%s:%d  %s", a.Name, a.Username, a.Server, a.Port, state)
				if !a.LastBackup.IsZero() {
					fmt.Printf("  last backup %s (%d new)", a.LastBackup.Format("2006-01-02 15:04"), a.LastNewEmails)
				}
				fmt.Println()
			}
			return nil
		},
	}

	add := struct {
		name     string
		server   string
		port     int
		username string
		startTLS bool
		disabled bool
	}{}
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account and store its password in the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if add.name == "" || add.server == "" || add.username == "" {
				return fmt.Errorf("missing required flags: --name, --server, --username")
			}
			reg, err := loadRegistry(config)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Password for %s@%s: ", add.username, add.server)
			secret, perr := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if perr != nil {
				return fmt.Errorf("read password: %w", perr)
			}
			a := account.Account{
				ID:       uuid.NewString(),
				Name:     add.name,
				Server:   add.server,
				Port:     add.port,
				Username: add.username,
				UseTLS:   !add.startTLS,
				AuthMode: "password",
				Enabled:  !add.disabled,
			}
			if err := reg.Add(a); err != nil {
				return err
			}
			creds := &credential.Keyring{}
			if err := creds.SetSecret(a.Server, a.Username, string(secret)); err != nil {
				return err
			}
			if err := reg.Save(); err != nil {
				return err
			}
			fmt.Printf("Added account %q.\n", a.Name)
			return nil
		},
	}
	addCmd.Flags().StringVar(&add.name, "name", "", "Display name, unique per registry")
	addCmd.Flags().StringVar(&add.server, "server", "", "IMAP server host")
	addCmd.Flags().IntVar(&add.port, "port", 993, "IMAP server port")
	addCmd.Flags().StringVar(&add.username, "username", "", "IMAP username")
	addCmd.Flags().BoolVar(&add.startTLS, "starttls", false, "Use STARTTLS instead of implicit TLS")
	addCmd.Flags().BoolVar(&add.disabled, "disabled", false, "Add the account disabled")

	var removeName string
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an account and its stored password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if removeName == "" {
				return fmt.Errorf("missing required flag: --name")
			}
			reg, err := loadRegistry(config)
			if err != nil {
				return err
			}
			a, ok := reg.Find(removeName)
			if !ok {
				return fmt.Errorf("no account named %q", removeName)
			}
			creds := &credential.Keyring{}
			if err := creds.DeleteSecret(a.Server, a.Username); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			reg.Remove(removeName)
			if err := reg.Save(); err != nil {
				return err
			}
			fmt.Printf("Removed account %q.\n", removeName)
			return nil
		},
	}
	removeCmd.Flags().StringVar(&removeName, "name", "", "Account to remove")

	accountsCmd.AddCommand(listCmd, addCmd, removeCmd)
	return accountsCmd
}

// export command options
type exportOptions struct {
	config  string
	root    string
	account string
	folder  string
	out     string
}

type exportCtxKey struct{}

func addExportFlags(cmd *cobra.Command) {
	o := &exportOptions{}
	cmd.SilenceUsage = true
	cmd.Flags().StringVar(&o.config, "config", "", "Path to the mailkeep config file")
	cmd.Flags().StringVar(&o.root, "root", "", "Backup root directory (overrides config)")
	cmd.Flags().StringVar(&o.account, "account", "", "Account name")
	cmd.Flags().StringVar(&o.folder, "folder", "INBOX", "Folder path relative to the account directory")
	cmd.Flags().StringVar(&o.out, "out", "", "Output mbox file")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(context.WithValue(cmd.Context(), exportCtxKey{}, o))
		return nil
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	o := cmd.Context().Value(exportCtxKey{}).(*exportOptions)
	if o.account == "" || o.out == "" {
		return fmt.Errorf("missing required flags: --account, --out")
	}
	reg, err := loadRegistry(o.config)
	if err != nil {
		return err
	}
	root := o.root
	if root == "" {
		root = reg.BackupRoot
	}
	if root == "" {
		return fmt.Errorf("no backup root configured: set backup_root in the config or pass --root")
	}
	parts := []string{root, sanitize.Token(o.account)}
	for _, seg := range strings.Split(o.folder, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	dir := filepath.Join(parts...)
	n, err := export.Folder(dir, o.out)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d message(s) to %s.\n", n, o.out)
	return nil
}
