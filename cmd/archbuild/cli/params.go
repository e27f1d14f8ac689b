package cli

import (
	"io"
	"strings"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var paramFlags = []struct {
	flag, key, usage string
}{
	{"username", domain.ParamUsername, "non-root user to create (required)"},
	{"password", domain.ParamPassword, "password for the user (required; prefer --password-stdin)"},
	{"shell", domain.ParamShell, "login shell of the user (default /usr/bin/bash)"},
	{"timezone", domain.ParamTimezone, "IANA timezone of the image"},
	{"image-name", domain.ParamImageName, "container image reference"},
	{"iso-name", domain.ParamISOName, "ISO file name without extension"},
	{"hostname", domain.ParamHostname, "hostname of the image"},
	{"locale", domain.ParamLocale, "system locale, e.g. en_US.UTF-8"},
}

// addParamFlags registers the run parameter flags on cmd. Every flag can also
// be given as ARCHBUILD_<FLAG> in the environment; an explicit flag wins.
func addParamFlags(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ARCHBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, f := range paramFlags {
		cmd.Flags().String(f.flag, "", f.usage)
		_ = v.BindPFlag(f.flag, cmd.Flags().Lookup(f.flag))
	}
	cmd.Flags().StringToString("param", nil, "extra template parameter key=value (repeatable)")
	cmd.Flags().Bool("password-stdin", false, "read the password from stdin")

	return v
}

// collectParams layers --param values and then the named flags over base.
func collectParams(cmd *cobra.Command, v *viper.Viper, base domain.Params) (domain.Params, error) {
	out := base.Clone()

	extra, err := cmd.Flags().GetStringToString("param")
	if err != nil {
		return nil, domain.ConfigError("%v", err)
	}
	for k, val := range extra {
		out[k] = val
	}

	for _, f := range paramFlags {
		if s := v.GetString(f.flag); s != "" {
			out[f.key] = s
		}
	}

	if fromStdin, _ := cmd.Flags().GetBool("password-stdin"); fromStdin {
		b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindConfiguration, Msg: "read password", Err: err}
		}
		out[domain.ParamPassword] = strings.TrimRight(string(b), "\r\n")
	}

	return out, nil
}
