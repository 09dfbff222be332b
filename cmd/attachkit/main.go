package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"attachkit/internal/app"
	"attachkit/internal/attach"
	"attachkit/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Put", "Work").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// unlockIfNeeded asks for the passphrase when an encrypted storage is locked.
func unlockIfNeeded(a *app.App) error {
	if !a.Locked() {
		return nil
	}
	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	return a.Unlock(passphrase)
}

// recordRef builds a reference from the MODEL ID arguments and the
// --parent/--relation flags.
func recordRef(cmd *cobra.Command, model, id string) (attach.RecordRef, error) {
	ref := attach.RecordRef{Type: model, ID: id}

	parent, _ := cmd.Flags().GetString("parent")
	relation, _ := cmd.Flags().GetString("relation")
	if parent == "" && relation == "" {
		return ref, nil
	}
	parentModel, parentID, ok := strings.Cut(parent, ":")
	if !ok || parentModel == "" || parentID == "" || relation == "" {
		return ref, fmt.Errorf("embedded records need --parent MODEL:ID and --relation NAME")
	}
	ref.Parent = &attach.ParentRef{Type: parentModel, ID: parentID, Relation: relation}
	return ref, nil
}

func addRefFlags(cmd *cobra.Command) {
	cmd.Flags().String("parent", "", "Parent record of an embedded record, as MODEL:ID")
	cmd.Flags().String("relation", "", "Relation the embedded record lives under")
}

func formatRef(ref attach.RecordRef) string {
	if ref.Parent == nil {
		return ref.Type + " " + ref.ID
	}
	return fmt.Sprintf("%s %s (in %s %s, %s)", ref.Type, ref.ID, ref.Parent.Type, ref.Parent.ID, ref.Parent.Relation)
}

func formatFile(f *attach.UploadedFile) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%s/%s  %s  %s  %s", f.Storage, f.ID, f.Metadata.Filename,
		humanize.Bytes(uint64(f.Metadata.Size)), f.Metadata.MimeType)
}

var rootCmd = &cobra.Command{
	Use:          "attachkit",
	Short:        "File attachments for document records",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Declare models under [[models]], then run `attachkit db migrate`.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Database:   %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Cache:      %s\n", describeStorage(cfg.Cache))
		fmt.Printf("Store:      %s\n", describeStorage(cfg.Store))
		fmt.Printf("Background: %v\n", cfg.Promotion.Background)
		for _, m := range cfg.Models {
			fmt.Printf("Model %s\n", m.Name)
			for _, at := range m.Attachments {
				fmt.Printf("  attachment %s\n", at.Name)
			}
			for _, e := range m.Embeds {
				fmt.Printf("  embeds %s as %s (many=%v)\n", e.Model, e.Relation, e.Many)
			}
		}
		return nil
	},
}

func describeStorage(s config.StorageConfig) string {
	var where string
	switch s.Type {
	case "filesystem":
		where = s.Root
	case "s3":
		where = "s3://" + s.S3Bucket + "/" + s.S3Prefix
	case "minio":
		where = s.MinioEndpoint + "/" + s.MinioBucket + "/" + s.MinioPrefix
	}
	if s.Encrypted {
		where += " (encrypted)"
	}
	return strings.TrimSpace(s.Type + " " + where)
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the document database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateDB(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair for encrypted storages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := app.InitKeys(cfg, passphrase); err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// put command
var putCmd = &cobra.Command{
	Use:   "put MODEL ID SLOT FILE",
	Short: "Attach a file to a record",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := recordRef(cmd, args[0], args[1])
		if err != nil {
			return err
		}
		sets, _ := cmd.Flags().GetStringToString("set")

		f, err := os.Open(args[3])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		ctx := cmd.Context()
		a, err := newApp(ctx, "Put")
		if err != nil {
			return err
		}
		defer a.Close()

		file, err := a.Put(ctx, ref, args[2], f, filepath.Base(args[3]), sets)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %s\n", formatRef(ref), args[2], formatFile(file))
		return nil
	},
}

// get command
var getCmd = &cobra.Command{
	Use:   "get MODEL ID SLOT",
	Short: "Write an attached file to stdout or a file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := recordRef(cmd, args[0], args[1])
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")

		ctx := cmd.Context()
		a, err := newApp(ctx, "Get")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlockIfNeeded(a); err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if output != "" {
			out, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer out.Close()
			w = out
		}

		file, err := a.Get(ctx, ref, args[2], w)
		if err != nil {
			return err
		}
		if output != "" {
			fmt.Printf("Wrote %s to %s\n", humanize.Bytes(uint64(file.Metadata.Size)), output)
		}
		return nil
	},
}

// show command
var showCmd = &cobra.Command{
	Use:   "show MODEL ID",
	Short: "Show a record's fields and attachments",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := recordRef(cmd, args[0], args[1])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, "Show")
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.Show(ctx, ref)
		if err != nil {
			return err
		}

		fmt.Println(formatRef(view.Ref))
		for name, value := range view.Fields {
			fmt.Printf("  %s = %s\n", name, value)
		}
		for _, s := range view.Attachments {
			fmt.Printf("  [%s] %s\n", s.Slot, formatFile(s.File))
		}
		for _, c := range view.Children {
			fmt.Printf("  %s: %s %s\n", c.Parent.Relation, c.Type, c.ID)
		}
		return nil
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm MODEL ID",
	Short: "Remove a record and its attached files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := recordRef(cmd, args[0], args[1])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, "Remove")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Remove(ctx, ref); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", formatRef(ref))
		return nil
	},
}

// work command
var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run queued background promotions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Work")
		if err != nil {
			return err
		}
		defer a.Close()

		if status, _ := cmd.Flags().GetBool("status"); status {
			return printQueueStatus(ctx, a)
		}

		succeeded, failed, err := a.Work(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Promoted %d file(s), %d failed\n", succeeded, failed)
		if failed > 0 {
			return errors.New("some promotions failed; see the log for details")
		}
		return nil
	},
}

func printQueueStatus(ctx context.Context, a *app.App) error {
	n, failed, err := a.QueueStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d job(s) queued, %d out of attempts\n", n, len(failed))
	for _, j := range failed {
		fmt.Printf("  %s  %s  %s  %d attempts  %s\n",
			j.ID, formatRef(j.Dump.Record), j.Dump.Slot, j.Attempts, j.LastError)
	}
	return nil
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	dbCmd.AddCommand(dbMigrateCmd)
	keysCmd.AddCommand(keysInitCmd)

	for _, cmd := range []*cobra.Command{putCmd, getCmd, showCmd, rmCmd} {
		addRefFlags(cmd)
	}
	putCmd.Flags().StringToString("set", nil, "Set record fields, as KEY=VALUE")
	getCmd.Flags().StringP("output", "o", "", "Write the file here instead of stdout")
	workCmd.Flags().Bool("status", false, "Show the queue instead of running it")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(workCmd)
}
