package main

import (
	"net/url"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/fema-etl/internal/config"
)

const redacted = "xxxxx"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  "Prints the configuration after config.yaml, environment and defaults are merged, as YAML. Passwords are redacted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// renderConfig marshals a redacted copy of c.
func renderConfig(c *config.Config) ([]byte, error) {
	cp := *c
	cp.ETL.Datasets = append([]string(nil), c.ETL.Datasets...)
	if cp.Database.Password != "" {
		cp.Database.Password = redacted
	}
	cp.Database.URL = redactURL(cp.Database.URL)

	out, err := yaml.Marshal(&cp)
	if err != nil {
		return nil, eris.Wrap(err, "config: marshal yaml")
	}
	return out, nil
}

// redactURL masks the password of a connection URL. Unparseable values are
// masked entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	return u.Redacted()
}
