package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourusername/relayforge/internal/client"
	"github.com/yourusername/relayforge/internal/tracking"
)

func newUploadCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a file and create a job",
		Long: `ファイルを送信してジョブを作成します。
10MiB 未満は1回のリクエストで、それ以上は回線品質に合わせたチャンクに分割して送信します。
中断（Ctrl+C や回線断）した場合は同じコマンドを再実行すると送信済みのチャンクを飛ばして再開します。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, v, args[0])
		},
	}

	f := cmd.Flags()
	f.String("operation", "inspect", "Operation the server runs on the uploaded file")
	f.StringToString("option", nil, "Extra operation options (key=value, repeatable)")
	f.Bool("mobile", false, "Use the smallest chunks and send them one at a time")
	f.Bool("wait", false, "Poll the job until it completes or fails")
	f.Duration("interval", tracking.DefaultPollerConfig.Interval, "Polling interval used with --wait")
	_ = v.BindPFlags(f)
	return cmd
}

func runUpload(cmd *cobra.Command, v *viper.Viper, path string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd, v)
	if err != nil {
		return err
	}
	defer a.Close()
	flags := NewFlagLoader(cmd, v)

	file, err := client.OpenFile(path)
	if err != nil {
		return err
	}
	defer file.Close()

	fields, _ := cmd.Flags().GetStringToString("option")
	prober := client.NewProber(a.api, client.DefaultProberConfig)
	uploader := client.NewUploader(a.api, prober, a.sessions, client.DefaultUploaderConfig, a.log)

	fmt.Fprintf(a.out, "%s (%s) を送信します\n", file.Name(), humanize.IBytes(uint64(file.Size())))
	progress := newProgressPrinter(a.out, file.Name())
	handle, err := uploader.Upload(ctx, file, client.Options{
		Operation: flags.String("operation"),
		Fields:    fields,
		Mobile:    flags.Bool("mobile"),
		Progress:  progress.Update,
	})
	progress.Done()
	if err != nil {
		if errors.Is(err, client.ErrCancelled) {
			fmt.Fprintln(a.out, "中断しました。同じコマンドを再実行すると続きから再開します。")
		}
		return err
	}

	link, err := a.correlator.Persist(ctx, a.route, handle.JobID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "ジョブ %s を作成しました\n", handle.JobID)
	fmt.Fprintf(a.out, "進捗の確認: forge status --route '%s'\n", link.String())

	if !flags.Bool("wait") {
		return nil
	}
	return a.watch(ctx, handle.JobID, flags.Duration("interval"))
}
