package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/omnisync/internal/client"
	"github.com/raphaelgruber/omnisync/internal/identity"
)

var loginUsername string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the access token",
	Long: `Log in to the forecasting service. The password is read from the terminal,
or from OMNISYNC_PASSWORD when stdin is not a terminal.

Examples:
  omnisync login --username alice`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		user.LogOut()
		if err := identity.Remove(cfg.CredentialsFile); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireLogin(); err != nil {
			return err
		}
		info := struct {
			Username   string `json:"username" yaml:"username"`
			Permission string `json:"permission" yaml:"permission"`
		}{user.Username(), user.Permission()}
		return render(cmd.OutOrStdout(), outputFormat, info, func(t table.Writer) {
			t.AppendHeader(table.Row{"Username", "Permission"})
			t.AppendRow(table.Row{info.Username, info.Permission})
		})
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "username (prompted when empty)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	username := loginUsername
	if username == "" {
		fmt.Print("Username: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return errors.New("username is required")
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	res, err := apiClient.Login(context.Background(), username, password)
	if err != nil {
		if client.IsTransport(err) {
			return fmt.Errorf("login failed: %s", client.Message(err))
		}
		return fmt.Errorf("login failed: %w", err)
	}

	user.LogIn(res.Username, res.AccessToken, res.Permission)
	if err := user.Save(cfg.CredentialsFile); err != nil {
		return err
	}
	logger.Info("logged in", "username", res.Username, "permission", res.Permission)
	fmt.Printf("Logged in as %s (%s).\n", res.Username, res.Permission)
	return nil
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if pw := os.Getenv("OMNISYNC_PASSWORD"); pw != "" {
			return pw, nil
		}
		return "", errors.New("stdin is not a terminal, set OMNISYNC_PASSWORD")
	}

	fmt.Print("Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}
