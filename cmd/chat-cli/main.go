package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"assistant-relay/pkg/registry"
)

const defaultGatewayURL = "http://localhost:4000"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "chat-cli",
	Short: "Terminal client for the assistant relay",
	Long: `chat-cli talks to the assistant relay gateway: sign in, stream chat
completions and transcribe audio clips from the terminal.

The gateway is taken from --gateway, RELAY_GATEWAY_URL or the config file.
When none is set and a Consul address is configured, the first healthy
instance of the gateway service is used.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/assistant-relay/cli.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.String("gateway", "", "gateway base URL")
	pf.String("token", "", "session token (overrides the saved one)")
	_ = viper.BindPFlag("gateway_url", pf.Lookup("gateway"))
	_ = viper.BindPFlag("token", pf.Lookup("token"))

	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd, meCmd, chatCmd, transcribeCmd, upgradeCmd)
}

func initConfig() {
	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	viper.SetDefault("gateway_url", "")
	viper.SetDefault("consul_address", "")
	viper.SetDefault("service_name", "assistant-relay")
	viper.SetDefault("model", "")
	if path, err := defaultTokenPath(); err == nil {
		viper.SetDefault("token_file", path)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := os.UserConfigDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(filepath.Join(dir, "assistant-relay"))
		viper.SetConfigName("cli")
		viper.SetConfigType("yaml")
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func tokens() tokenStore {
	return tokenStore{path: viper.GetString("token_file")}
}

// resolveGateway picks the gateway URL from configuration or Consul.
func resolveGateway() (string, error) {
	if u := strings.TrimSpace(viper.GetString("gateway_url")); u != "" {
		return u, nil
	}
	addr := strings.TrimSpace(viper.GetString("consul_address"))
	if addr == "" {
		return defaultGatewayURL, nil
	}

	log := zap.NewNop()
	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			log = l
		}
	}
	reg, err := registry.NewConsulRegistry(registry.ConsulConfig{Address: addr}, log)
	if err != nil {
		return "", fmt.Errorf("consul: %w", err)
	}
	u, err := reg.Resolve(viper.GetString("service_name"))
	if err != nil {
		return "", fmt.Errorf("discover gateway: %w", err)
	}
	if verbose {
		fmt.Fprintln(os.Stderr, "Discovered gateway:", u)
	}
	return u, nil
}

// newClient builds a client for the resolved gateway. With requireToken it
// fails early when the user has not signed in.
func newClient(requireToken bool) (*gatewayClient, error) {
	base, err := resolveGateway()
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(viper.GetString("token"))
	if token == "" {
		if token, err = tokens().load(); err != nil {
			return nil, err
		}
	}
	if requireToken && token == "" {
		return nil, fmt.Errorf("not signed in; run 'chat-cli login' first")
	}
	return newGatewayClient(base, token), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
