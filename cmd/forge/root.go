package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourusername/relayforge/internal/client"
	"github.com/yourusername/relayforge/internal/kv"
	"github.com/yourusername/relayforge/internal/logger"
	"github.com/yourusername/relayforge/internal/tracking"
)

// ビルド時に -ldflags で設定します。
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const (
	envPrefix    = "FORGE"
	stateNS      = "relayforge"
	defaultRoute = "/uploads"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "forge",
		Short:         "relayforge upload client",
		Long:          "forge はファイルを relayforge サーバーへ送信し、作成されたジョブの進捗を追跡します。\n回線が途切れても同じコマンドを再実行すると送信済みの部分から再開します。",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("forge {{.Version}} (" + GitCommit + ", " + runtime.Version() + ")\n")

	pf := root.PersistentFlags()
	pf.String("server", "http://localhost:8080", "API server base URL (env: FORGE_SERVER)")
	pf.String("state-dir", defaultStateDir(), "Directory for resumable upload state (env: FORGE_STATE_DIR)")
	pf.String("route", defaultRoute, "Route the job pointer is attached to (env: FORGE_ROUTE)")
	pf.String("log-level", "warn", "Log level: debug, info, warn, error (env: FORGE_LOG_LEVEL)")
	_ = v.BindPFlags(pf)

	root.AddCommand(newUploadCmd(v), newStatusCmd(v))
	return root
}

func defaultStateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "relayforge")
}

// app はサブコマンドが共有する依存関係です。
type app struct {
	api        *client.API
	state      *kv.LevelDB
	sessions   *client.SessionStore
	correlator *tracking.Correlator
	route      *url.URL
	log        zerolog.Logger
	out        io.Writer
}

func newApp(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	flags := NewFlagLoader(cmd, v)

	route, err := url.Parse(flags.String("route"))
	if err != nil {
		return nil, fmt.Errorf("invalid --route: %w", err)
	}
	stateDir := flags.String("state-dir")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	state, err := kv.OpenLevelDB(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, err
	}

	log := logger.NewWithWriter(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: "15:04:05"}, "forge", flags.String("log-level"))
	return &app{
		api:        client.NewDefaultAPI(flags.String("server")),
		state:      state,
		sessions:   client.NewSessionStore(state, stateNS),
		correlator: tracking.NewCorrelator(state, stateNS),
		route:      route,
		log:        log,
		out:        cmd.OutOrStdout(),
	}, nil
}

func (a *app) Close() error {
	return a.state.Close()
}
