// Package proxy renders, validates, and reloads the nginx configuration on
// the target host. Changes are staged and validated before they can touch
// the live config; reload is a graceful signal so in-flight connections
// drain instead of dropping.
package proxy

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/sshexec"
)

const configTemplate = `# Managed by convoy. Do not edit; changes are overwritten on converge.
log_format convoy_json escape=json '{"time":"$time_iso8601","host":"$host",'
    '"status":$status,"request":"$request","remote":"$remote_addr",'
    '"upstream":"$upstream_addr","duration":$request_time}';
{{range .Routes}}{{if .RateLimitRPS}}
limit_req_zone $binary_remote_addr zone={{zoneName .ServerName}}:10m rate={{.RateLimitRPS}}r/s;
{{end}}{{end}}
{{- range .Routes}}
server {
{{- if .TLS}}
    listen 443 ssl;
    listen [::]:443 ssl;
    ssl_certificate     /etc/letsencrypt/live/{{.ServerName}}/fullchain.pem;
    ssl_certificate_key /etc/letsencrypt/live/{{.ServerName}}/privkey.pem;
{{- else}}
    listen 80;
    listen [::]:80;
{{- end}}
    server_name {{.ServerName}};

    access_log /var/log/nginx/{{.ServerName}}-access.log convoy_json;
    error_log  /var/log/nginx/{{.ServerName}}-error.log warn;

    add_header X-Served-By $hostname always;

    location / {
{{- if .RateLimitRPS}}
        limit_req zone={{zoneName .ServerName}} burst={{burst .RateLimitRPS}} nodelay;
{{- end}}
        proxy_pass http://{{.Upstream}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_http_version 1.1;
    }
}
{{end}}`

// DefaultConfigPath is where the convoy-owned nginx include lives.
const DefaultConfigPath = "/etc/nginx/conf.d/convoy.conf"

// Configurator manages the convoy-owned nginx config file.
type Configurator struct {
	logger zerolog.Logger
	runner sshexec.Runner
	tmpl   *template.Template

	// ConfigPath is the live include file, StagingPath the validation
	// target. Both live under the nginx conf.d tree.
	ConfigPath  string
	StagingPath string
}

// New creates a Configurator writing to the default conf.d paths.
func New(logger zerolog.Logger, runner sshexec.Runner) *Configurator {
	tmpl := template.Must(template.New("nginx").Funcs(template.FuncMap{
		"zoneName": func(serverName string) string {
			return "rl_" + strings.NewReplacer(".", "_", "-", "_").Replace(serverName)
		},
		"burst": func(rps int) int { return rps * 2 },
	}).Parse(configTemplate))

	return &Configurator{
		logger:      logger.With().Str("component", "proxy-configurator").Logger(),
		runner:      runner,
		tmpl:        tmpl,
		ConfigPath:  DefaultConfigPath,
		StagingPath: DefaultConfigPath + ".staging",
	}
}

// Render produces the nginx config text for the routing spec.
func (c *Configurator) Render(spec *model.ProxySpec) (string, error) {
	if spec == nil || len(spec.Routes) == 0 {
		return "", fmt.Errorf("empty proxy spec")
	}
	var b strings.Builder
	if err := c.tmpl.Execute(&b, spec); err != nil {
		return "", fmt.Errorf("render proxy config: %w", err)
	}
	return b.String(), nil
}

// Validate writes the config to the staging path and runs nginx's syntax
// check against it. The live config is never touched.
func (c *Configurator) Validate(ctx context.Context, configText string) error {
	if err := c.runner.WriteFile(ctx, c.StagingPath, []byte(configText), 0o644); err != nil {
		return fmt.Errorf("stage proxy config: %w", err)
	}

	// The staged file is an http-context fragment, so it is checked through
	// a minimal wrapper config rather than the live nginx.conf.
	wrapper := fmt.Sprintf("events {}\nhttp {\n    include %s;\n}\n", c.StagingPath)
	wrapperPath := c.StagingPath + ".wrap"
	if err := c.runner.WriteFile(ctx, wrapperPath, []byte(wrapper), 0o644); err != nil {
		return fmt.Errorf("stage wrapper config: %w", err)
	}

	res, err := c.runner.Run(ctx, fmt.Sprintf("nginx -t -c %q", wrapperPath))
	if err != nil {
		return fmt.Errorf("validate proxy config: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s", model.ErrConfigSyntax, strings.TrimSpace(res.Stdout+res.Stderr))
	}
	return nil
}

// Reload applies a rendered config: stage, validate, atomically move into
// place, then signal a graceful reload so existing connections drain. If
// validation fails the live config stays active and untouched.
func (c *Configurator) Reload(ctx context.Context, configText string) error {
	if err := c.Validate(ctx, configText); err != nil {
		return err
	}

	// mv within the same filesystem is atomic; readers see old or new,
	// never a partial file.
	res, err := c.runner.Run(ctx, fmt.Sprintf("mv %q %q", c.StagingPath, c.ConfigPath))
	if err != nil {
		return fmt.Errorf("install proxy config: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install proxy config: mv exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	res, err = c.runner.Run(ctx, "nginx -s reload")
	if err != nil {
		return fmt.Errorf("reload nginx: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("reload nginx: exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	c.logger.Info().Str("path", c.ConfigPath).Msg("proxy config applied with graceful reload")
	return nil
}

// Apply renders and reloads in one step. Used by the provisioning engine's
// proxy_config convergence action.
func (c *Configurator) Apply(ctx context.Context, spec *model.ProxySpec) error {
	text, err := c.Render(spec)
	if err != nil {
		return err
	}
	return c.Reload(ctx, text)
}
