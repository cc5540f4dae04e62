// Package main は relayforge のコマンドラインクライアントです。
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/yourusername/relayforge/internal/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, client.ErrCancelled) {
			fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		}
		if hint := hintFor(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

// hintFor は通信やジョブに起因するエラーにだけ対処方法を返します。
func hintFor(err error) string {
	var httpErr *client.HTTPError
	if errors.Is(err, client.ErrTransferFailed) || errors.Is(err, client.ErrSessionExpired) || errors.As(err, &httpErr) {
		return client.Hint(err)
	}
	return ""
}
