package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adamscao/fairaudit/internal/auth"
	"github.com/adamscao/fairaudit/internal/ca"
	"github.com/adamscao/fairaudit/internal/config"
	"github.com/adamscao/fairaudit/internal/db"
	"github.com/adamscao/fairaudit/internal/db/repository"
	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/adamscao/fairaudit/internal/sweeper"
	"github.com/adamscao/fairaudit/internal/verifier"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
	database   *db.DB
)

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "FairAudit administration tool",
	Long:  "Administrative tool for managing FairAudit certificates, sweeps, event logs and admin credentials",
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage certificates",
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates",
	RunE:  listCerts,
}

var certShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  showCert,
}

var certRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a valid certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  revokeCert,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <hash>",
	Short: "Verify a certificate by content hash",
	Args:  cobra.ExactArgs(1),
	RunE:  verifyCert,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire due certificates and purge old records",
	RunE:  runSweep,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show event log entries",
	RunE:  listLogs,
}

var totpCmd = &cobra.Command{
	Use:   "totp",
	Short: "Manage the admin TOTP second factor",
}

var totpGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a TOTP secret for admin endpoints",
	RunE:  generateTOTP,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the admin token",
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random admin token",
	RunE:  generateToken,
}

var (
	statusFilter string
	orgFilter    string
	searchText   string
	limit        int
	reason       string
	strict       bool
	actionFilter string
	failuresOnly bool
	sinceFlag    string
	account      string
)

func init() {
	// Root flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/fairaudit/config.yaml", "Config file path")

	// Cert list flags
	certListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (valid, revoked, expired)")
	certListCmd.Flags().StringVar(&orgFilter, "org", "", "Filter by organization")
	certListCmd.Flags().StringVarP(&searchText, "search", "s", "", "Search model name, organization or id")
	certListCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum rows")

	// Cert revoke flags
	certRevokeCmd.Flags().StringVarP(&reason, "reason", "r", "", "Revocation reason (required)")
	certRevokeCmd.MarkFlagRequired("reason")

	// Verify flags
	verifyCmd.Flags().BoolVar(&strict, "strict", false, "Recompute the content hash and check the signature")

	// Logs flags
	logsCmd.Flags().StringVar(&actionFilter, "action", "", "Filter by action")
	logsCmd.Flags().BoolVar(&failuresOnly, "failures", false, "Show failed events only")
	logsCmd.Flags().StringVar(&sinceFlag, "since", "", "Only events newer than this duration (e.g. 24h, 7d)")
	logsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum rows")

	// TOTP flags
	totpGenerateCmd.Flags().StringVar(&account, "account", "admin", "Account name shown in the authenticator app")

	// Add commands
	certCmd.AddCommand(certListCmd, certShowCmd, certRevokeCmd)
	totpCmd.AddCommand(totpGenerateCmd)
	tokenCmd.AddCommand(tokenGenerateCmd)
	rootCmd.AddCommand(certCmd, verifyCmd, sweepCmd, logsCmd, totpCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func initDB(ctx context.Context) error {
	// Load configuration
	var err error
	cfg, err = config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Connect to database
	database, err = db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.RunMigrations(ctx, database); err != nil {
		database.Close()
		return err
	}
	return nil
}

func listCerts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := initDB(ctx); err != nil {
		return err
	}
	defer database.Close()

	q := models.CertQuery{
		Text:         searchText,
		Status:       models.CertStatus(statusFilter),
		Organization: orgFilter,
		Limit:        limit,
	}
	certs, err := repository.NewCertRepository(database.DB).Search(ctx, q)
	if err != nil {
		return err
	}

	if len(certs) == 0 {
		pterm.Info.Println("No certificates found")
		return nil
	}

	data := pterm.TableData{{"ID", "Model", "Organization", "Class", "Status", "Issued", "Expires"}}
	for _, c := range certs {
		data = append(data, []string{
			c.ID,
			c.ModelName,
			c.Organization,
			string(c.Classification),
			colorStatus(c.Status),
			c.IssuedAt.Format("2006-01-02"),
			c.ExpiresAt.Format("2006-01-02"),
		})
	}

	pterm.Printf("\nTotal certificates: %d\n\n", len(certs))
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func showCert(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := initDB(ctx); err != nil {
		return err
	}
	defer database.Close()

	cert, err := repository.NewCertRepository(database.DB).GetByID(ctx, args[0])
	if err != nil {
		return err
	}

	printCert(cert)
	return nil
}

func revokeCert(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := initDB(ctx); err != nil {
		return err
	}
	defer database.Close()

	id := args[0]
	events := repository.NewAuditRepository(database.DB)
	entry := &models.AuditLog{
		Action:    models.ActionCertRevoke,
		Subject:   id,
		UserAgent: "fairaudit-admin",
	}

	cert, err := repository.NewCertRepository(database.DB).SetStatus(ctx, id, models.CertRevoked, reason)
	if err != nil {
		entry.ErrorMsg = err.Error()
		events.Create(ctx, entry)
		if errors.Is(err, errors.ErrInvalidTransition) {
			return fmt.Errorf("certificate %s cannot be revoked: %w", id, err)
		}
		return err
	}

	entry.Success = true
	if err := events.Create(ctx, entry); err != nil {
		pterm.Warning.Printf("Failed to record event: %v\n", err)
	}

	pterm.Success.Printf("Certificate %s revoked\n", cert.ID)
	return nil
}

func verifyCert(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := initDB(ctx); err != nil {
		return err
	}
	defer database.Close()

	certs := repository.NewCertRepository(database.DB)
	events := repository.NewAuditRepository(database.DB)

	var (
		result *models.VerificationResult
		err    error
	)
	if strict {
		keyPair, kerr := ca.LoadOrGenerateKeyPair(cfg.CA.PrivateKeyPath, cfg.CA.PublicKeyPath, cfg.CA.KeyType)
		if kerr != nil {
			return fmt.Errorf("failed to load signing key: %w", kerr)
		}
		result, err = verifier.New(certs, keyPair.PublicKey, events).VerifyStrict(ctx, args[0])
	} else {
		result, err = verifier.New(certs, nil, events).Verify(ctx, args[0])
	}
	if err != nil && !errors.Is(err, errors.ErrTamperedCertificate) {
		return err
	}

	switch {
	case !result.Found:
		pterm.Warning.Println(result.Message)
	case result.Valid:
		pterm.Success.Println(result.Message)
	default:
		pterm.Error.Println(result.Message)
	}
	if result.Certificate != nil {
		printCert(result.Certificate)
	}
	return err
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := initDB(ctx); err != nil {
		return err
	}
	defer database.Close()

	sw := sweeper.New(sweeper.Config{
		JobRetention: cfg.JobRetention(),
		LogRetention: cfg.LogRetention(),
	},
		repository.NewCertRepository(database.DB),
		repository.NewJobRepository(database.DB),
		repository.NewAuditRepository(database.DB),
	)

	report, err := sw.Sweep(ctx)
	data := pterm.TableData{
		{"Expired", "Skipped", "Failed", "Jobs purged", "Logs purged"},
		{
			strconv.Itoa(report.Expired),
			strconv.Itoa(report.Skipped),
			strconv.Itoa(report.Failed),
			strconv.FormatInt(report.JobsPurged, 10),
			strconv.FormatInt(report.LogsPurged, 10),
		},
	}
	if rerr := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); rerr != nil {
		return rerr
	}
	if err != nil {
		pterm.Warning.Printf("Sweep finished with errors: %v\n", err)
		return err
	}
	pterm.Success.Println("Sweep finished")
	return nil
}

func listLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := initDB(ctx); err != nil {
		return err
	}
	defer database.Close()

	q := repository.AuditLogQuery{
		Action:      actionFilter,
		FailureOnly: failuresOnly,
		Limit:       limit,
	}
	if sinceFlag != "" {
		d, err := config.ParseDuration(sinceFlag)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		q.Since = time.Now().Add(-d)
	}

	logs, err := repository.NewAuditRepository(database.DB).List(ctx, q)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		pterm.Info.Println("No events found")
		return nil
	}

	data := pterm.TableData{{"Time", "Action", "Subject", "Client IP", "Result", "Error"}}
	for _, l := range logs {
		result := pterm.Green("ok")
		if !l.Success {
			result = pterm.Red("failed")
		}
		data = append(data, []string{
			l.Timestamp.Local().Format("2006-01-02 15:04:05"),
			l.Action,
			l.Subject,
			l.ClientIP,
			result,
			l.ErrorMsg,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func generateTOTP(cmd *cobra.Command, args []string) error {
	secret, url, err := auth.GenerateTOTPSecret(account)
	if err != nil {
		return err
	}

	pterm.Success.Println("TOTP secret generated")
	pterm.Printf("\nTOTP Secret: %s\n", secret)
	pterm.Printf("TOTP QR URL: %s\n", url)
	pterm.Info.Println("Set admin.totp_secret (or FAIRAUDIT_TOTP_SECRET) and scan the URL with a TOTP app")
	return nil
}

func generateToken(cmd *cobra.Command, args []string) error {
	token, err := auth.GenerateAdminToken()
	if err != nil {
		return err
	}

	pterm.Success.Println("Admin token generated")
	pterm.Printf("\n%s\n\n", token)
	pterm.Info.Println("Set admin.token (or FAIRAUDIT_ADMIN_TOKEN); it is not stored anywhere else")
	return nil
}

func printCert(c *models.Certificate) {
	pterm.Printf("\n%s %s\n", pterm.LightCyan("Certificate"), c.ID)
	pterm.Printf("  Serial:         %d\n", c.SerialNumber)
	pterm.Printf("  Model:          %s\n", c.ModelName)
	pterm.Printf("  Organization:   %s\n", c.Organization)
	pterm.Printf("  Fingerprint:    %s\n", c.ModelFingerprint)
	pterm.Printf("  Classification: %s\n", c.Classification)
	pterm.Printf("  Metrics:        accuracy=%.4f bias=%.4f flip=%.4f\n",
		c.Metrics.Accuracy, c.Metrics.BiasScore, c.Metrics.RobustnessFlipFraction)
	for _, g := range c.GroupMetrics {
		pterm.Printf("    %-14s tpr=%.4f fpr=%.4f precision=%.4f\n", g.Group, g.TPR, g.FPR, g.Precision)
	}
	pterm.Printf("  Status:         %s", colorStatus(c.Status))
	if c.StatusReason != "" {
		pterm.Printf(" (%s)", c.StatusReason)
	}
	pterm.Println()
	pterm.Printf("  Hash:           %s\n", c.Hash)
	pterm.Printf("  Signed by:      %s\n", c.KeyFingerprint)
	pterm.Printf("  Issued:         %s\n", c.IssuedAt.Format(time.RFC3339))
	pterm.Printf("  Expires:        %s\n", c.ExpiresAt.Format(time.RFC3339))
	pterm.Println(pterm.Gray("  Signature:      " + c.Signature))
}

func colorStatus(s models.CertStatus) string {
	switch s {
	case models.CertValid:
		return pterm.Green(string(s))
	case models.CertRevoked:
		return pterm.Red(string(s))
	default:
		return pterm.Yellow(string(s))
	}
}
