// fleet-token mints operator bearer tokens for the REST API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"edgefleet-server/internal/auth"
	"edgefleet-server/internal/config"
)

func main() {
	operator := pflag.StringP("operator", "o", "", "operator id (token subject)")
	tenant := pflag.StringP("tenant", "t", "", "tenant id, required for operator tokens")
	role := pflag.String("role", auth.RoleOperator, "token role: admin or operator")
	expiry := pflag.Duration("expiry", 0, "token lifetime (defaults to TOKEN_EXPIRY_SECONDS)")
	configFile := pflag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	pflag.Parse()

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "edgefleet-server",
	}
	if *expiry > 0 {
		tokenCfg.Expiry = *expiry
	}

	tok, err := auth.CreateToken(auth.Subject{OperatorID: *operator, TenantID: *tenant, Role: *role}, tokenCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(tokenCfg.Expiry).UTC().Format(time.RFC3339))
}
