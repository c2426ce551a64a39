// Command icloudctl authenticates an iCloud account from the terminal and
// manages the persisted session it leaves behind.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dgellow/icloudctl/internal"
	"github.com/dgellow/icloudctl/internal/account"
	"github.com/dgellow/icloudctl/internal/apierr"
	"github.com/dgellow/icloudctl/internal/config"
	"github.com/dgellow/icloudctl/internal/keychain"
	"github.com/dgellow/icloudctl/internal/log"
	"github.com/dgellow/icloudctl/internal/mfa"
)

var BuildVersion = "dev"

var (
	flagAppleID        string
	flagCookieDir      string
	flagChina          bool
	flagAcceptTerms    bool
	flagUseKeyring     bool
	flagStoreInKeyring bool
	flagDeleteKeyring  bool
	flagTimeout        time.Duration
)

func main() {
	if err := rootCmd().ExecuteContext(signalContext()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "icloudctl",
		Short:         "Authenticate an iCloud account and manage its session",
		Version:       BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagAppleID, "username", "u", "", "Apple ID (email address)")
	root.PersistentFlags().StringVar(&flagCookieDir, "cookie-directory", "", "directory for session and cookie files")
	root.PersistentFlags().BoolVar(&flagChina, "china-mainland", false, "use the China-mainland endpoints")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 0, "per-request timeout")

	login := &cobra.Command{
		Use:   "login",
		Short: "Log in, walking through MFA interactively when required",
		RunE:  runLogin,
	}
	login.Flags().BoolVar(&flagAcceptTerms, "accept-terms", false, "pre-approve pending terms-of-service updates")
	login.Flags().BoolVar(&flagUseKeyring, "keyring", true, "read the password from the system keyring when stored")
	login.Flags().BoolVar(&flagStoreInKeyring, "store-in-keyring", false, "store the password in the system keyring on success")
	login.Flags().BoolVar(&flagDeleteKeyring, "delete-from-keyring", false, "delete the stored password and exit")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check whether the persisted session is still valid",
		RunE:  runValidate,
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Discard the persisted session",
		RunE:  runLogout,
	}

	root.AddCommand(login, validate, logout)
	return root
}

func buildConfig(password string) config.Config {
	return config.Config{
		AppleID:         flagAppleID,
		Password:        config.Secret(password),
		CookieDirectory: flagCookieDir,
		ChinaMainland:   flagChina,
		AcceptTerms:     flagAcceptTerms,
		RequestTimeout:  flagTimeout,
	}
}

func requireUsername() error {
	if flagAppleID == "" {
		return errors.New("--username is required")
	}
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	if err := requireUsername(); err != nil {
		return err
	}
	if flagDeleteKeyring {
		if err := keychain.Delete(flagAppleID); err != nil {
			return fmt.Errorf("deleting stored password: %w", err)
		}
		fmt.Println("Stored password deleted.")
		return nil
	}

	password, fromKeyring, err := resolvePassword()
	if err != nil {
		return err
	}

	svc, err := internal.NewService(buildConfig(password))
	if err != nil {
		return err
	}

	outcome, err := svc.Login(cmd.Context())
	if err != nil {
		return describeLoginError(err)
	}

	if outcome.State == account.StateMfaChallengePending {
		if err := runInteractiveMFA(cmd.Context(), outcome); err != nil {
			return err
		}
	}

	if flagStoreInKeyring && !fromKeyring {
		if err := keychain.Set(flagAppleID, password); err != nil {
			log.LogWarnWithFields("cli", "could not store password in keyring", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if info := svc.Coordinator().Info(); info != nil {
		fmt.Printf("Logged in as %s (dsid %s, %d services available)\n",
			flagAppleID, info.DSInfo.DSID, len(info.Webservices))
	} else {
		fmt.Printf("Logged in as %s\n", flagAppleID)
	}
	return nil
}

func resolvePassword() (password string, fromKeyring bool, err error) {
	if flagUseKeyring {
		if stored, kerr := keychain.Get(flagAppleID); kerr == nil {
			return stored, true, nil
		}
	}
	fmt.Printf("Enter iCloud password for %s: ", flagAppleID)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", false, fmt.Errorf("reading password: %w", err)
	}
	if len(raw) == 0 {
		return "", false, errors.New("empty password")
	}
	return string(raw), false, nil
}

// runInteractiveMFA drives the verification machine from stdin prompts.
func runInteractiveMFA(ctx context.Context, outcome *account.LoginOutcome) error {
	return driveMFA(ctx, outcome.MFA, outcome.Challenge, os.Stdin, os.Stdout)
}

// driveMFA walks the machine through whichever flow the challenge calls for.
// The device flow verifies its code inside pickDeviceAndSendCode; only the
// push and SMS flows prompt for a code here.
func driveMFA(ctx context.Context, machine *mfa.Machine, challenge *mfa.Challenge, in io.Reader, out io.Writer) error {
	prompt := &prompter{in: bufio.NewReader(in), out: out}

	switch machine.State() {
	case mfa.StateAwaitingSecurityKey:
		return errors.New("this account requires a hardware security key; not supported from this terminal")
	case mfa.StateAwaitingDevice:
		if err := pickDeviceAndSendCode(ctx, machine, prompt); err != nil {
			return err
		}
	default:
		if challenge != nil && challenge.Kind == mfa.KindSMS && challenge.Phone != nil {
			fmt.Fprintf(out, "A code was sent to %s.\n", challenge.Phone.NumberWithDialCode)
		} else {
			fmt.Fprintln(out, "A code was sent to your trusted devices.")
		}
		if err := submitCodeLoop(ctx, machine, prompt); err != nil {
			return err
		}
	}

	trusted, err := machine.TrustSession(ctx)
	if err != nil {
		return err
	}
	if !trusted {
		fmt.Fprintln(out, "Session trust was declined; you will be asked for a code again next login.")
	}
	return nil
}

func submitCodeLoop(ctx context.Context, machine *mfa.Machine, prompt *prompter) error {
	for {
		code, err := prompt.line("Enter verification code: ")
		if err != nil {
			return err
		}
		ok, err := machine.SubmitPushOrSmsCode(ctx, code)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		fmt.Fprintln(prompt.out, "Incorrect code, try again.")
	}
}

func pickDeviceAndSendCode(ctx context.Context, machine *mfa.Machine, prompt *prompter) error {
	devices, err := machine.ListTrustedDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("no trusted devices registered for this account")
	}
	for i, d := range devices {
		fmt.Fprintf(prompt.out, "  %d: %s\n", i, d.DisplayName())
	}
	answer, err := prompt.line("Which device would you like to use? ")
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || idx < 0 || idx >= len(devices) {
		return fmt.Errorf("invalid device choice %q", answer)
	}
	device := devices[idx]
	if err := machine.SendCode(ctx, device); err != nil {
		return err
	}

	for {
		code, err := prompt.line("Enter verification code: ")
		if err != nil {
			return err
		}
		ok, err := machine.SubmitCode(ctx, device, code)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		fmt.Fprintln(prompt.out, "Incorrect code, try again.")
	}
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) line(text string) (string, error) {
	fmt.Fprint(p.out, text)
	line, err := p.in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func describeLoginError(err error) error {
	var classified *apierr.Error
	if errors.As(err, &classified) {
		switch classified.Kind {
		case apierr.KindInvalidCredentials:
			return errors.New("login failed: invalid account name or password")
		case apierr.KindTermsAcceptanceRequired:
			return errors.New("updated terms of service are pending; re-run with --accept-terms after reviewing them")
		}
	}
	return err
}

func runValidate(cmd *cobra.Command, args []string) error {
	if err := requireUsername(); err != nil {
		return err
	}
	svc, err := internal.NewService(buildConfig(""))
	if err != nil {
		return err
	}

	outcome, err := svc.Login(cmd.Context())
	if err != nil || outcome.State != account.StateAuthenticated {
		return errors.New("no valid session; run `icloudctl login`")
	}
	fmt.Println("Session is valid.")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := requireUsername(); err != nil {
		return err
	}
	svc, err := internal.NewService(buildConfig(""))
	if err != nil {
		return err
	}
	svc.Logout()
	fmt.Println("Session cleared.")
	return nil
}
