// Package cli holds the pieces shared by the command-line tools: the
// kubectl-like contexts config stored in ~/.giztoy/<app>/config.yaml, the
// app directory layout, result output in YAML or JSON, and a line buffer
// for showing logs next to a terminal UI.
//
//	cfg, err := cli.LoadConfig("gearsim")
//	ctx, err := cfg.ResolveContext(name)
//	url := ctx.GetExtra("ota_url")
package cli
