package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/notify"
	"github.com/zulandar/parley/internal/session"
	"github.com/zulandar/parley/internal/session/whatsapp"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "WhatsApp session commands",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionConnectCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var (
		configPath string
		tenantID   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionList(cmd, configPath, tenantID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "only sessions of this tenant")
	return cmd
}

func runSessionList(cmd *cobra.Command, configPath, tenantID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}

	q := gdb.Order("tenant_id, account_slug")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var rows []models.Session
	if err := q.Find(&rows).Error; err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tSLUG\tSTATUS\tPHONE")
	for _, s := range rows {
		phone := s.PhoneNumber
		if phone == "" {
			phone = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.TenantID, s.AccountSlug, s.Status, phone)
	}
	w.Flush()
	return nil
}

func newSessionConnectCmd() *cobra.Command {
	var (
		configPath string
		phone      string
	)

	cmd := &cobra.Command{
		Use:   "connect <session-id>",
		Short: "Link a WhatsApp account from the terminal",
		Long: "Starts the session and prints the pairing QR code, or a pairing code with --phone, " +
			"then waits until the device is linked. Credentials are kept for the next serve.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionConnect(cmd, configPath, args[0], phone)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	cmd.Flags().StringVar(&phone, "phone", "", "link with a pairing code for this phone number instead of a QR code")
	return cmd
}

func runSessionConnect(cmd *cobra.Command, configPath, id, phone string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	var m models.Session
	if err := gdb.First(&m, "id = ?", id).Error; err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	f, ok := out.(*os.File)
	render := ok && term.IsTerminal(int(f.Fd()))
	return linkSession(ctx, out, &whatsapp.Dialer{LogLevel: cfg.WhatsApp.LogLevel}, gdb, session.SpecFromModel(m), phone, render)
}

// linkSession drives one session until it is connected. With render the
// challenge is drawn as a QR code; otherwise the raw challenge is printed
// so it can be piped elsewhere.
func linkSession(ctx context.Context, out io.Writer, dialer session.Dialer, gdb *gorm.DB, spec session.Spec, phone string, render bool) error {
	statuses := make(chan string, 16)
	watch := notify.NotifierFunc(func(_ context.Context, _, event string, payload any) error {
		p, ok := payload.(map[string]any)
		if event != notify.EventSessionStatus || !ok || p["sessionId"] != spec.ID {
			return nil
		}
		status, _ := p["status"].(string)
		select {
		case statuses <- status:
		default:
		}
		return nil
	})

	manager, err := session.NewManager(session.Opts{
		Dialer:   dialer,
		Store:    session.NewGormStore(gdb),
		Notifier: watch,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	challenge, err := manager.Start(ctx, spec)
	if err != nil {
		return err
	}

	shown := ""
	show := func(c string) {
		if c == "" || c == shown {
			return
		}
		shown = c
		printChallenge(out, c, render)
	}
	if phone != "" {
		code, err := manager.RequestPairingCode(ctx, spec.ID, phone)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Enter pairing code %s in WhatsApp > Linked devices\n", code)
	} else {
		show(challenge)
	}

	for {
		snap := manager.Snapshot(spec.ID)
		if snap.TenantID == "" {
			return fmt.Errorf("session %s stopped before linking", spec.ID)
		}
		switch snap.Status {
		case session.StatusConnected:
			fmt.Fprintf(out, "Linked %s as %s\n", spec.ID, firstNonEmpty(snap.PhoneNumber, snap.DisplayName, "unknown"))
			return nil
		case session.StatusError:
			return fmt.Errorf("session %s failed to link", spec.ID)
		case session.StatusQRReady:
			if phone == "" {
				show(snap.Challenge)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-statuses:
		}
	}
}

func printChallenge(out io.Writer, challenge string, render bool) {
	if render {
		qr, err := session.QRTerminal(challenge)
		if err == nil {
			fmt.Fprintln(out, "Scan with WhatsApp > Linked devices:")
			fmt.Fprint(out, qr)
			return
		}
		fmt.Fprintf(out, "Render QR: %v\n", err)
	}
	fmt.Fprintln(out, challenge)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
