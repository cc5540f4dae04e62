// Package retry は上限付き指数バックオフとキャンセルを扱う共通リトライ処理を提供します。
// 単一リクエスト送信・チャンク送信・完了通知のすべてがこの実装を共有します。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted は試行回数を使い切ったことを表します。
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy はリトライの上限と待ち時間を表します。
type Policy struct {
	Attempts  int           // 初回を含む最大試行回数
	BaseDelay time.Duration // 1回目の再試行までの待ち時間
	MaxDelay  time.Duration // 待ち時間の上限
	Jitter    float64       // 0〜1。待ち時間に加えるランダム幅の割合
}

// DefaultPolicy は 1s, 2s, ... 最大 8s で 3 回まで試行します。
var DefaultPolicy = Policy{
	Attempts:  3,
	BaseDelay: time.Second,
	MaxDelay:  8 * time.Second,
}

// Func は1回分の試行です。attempt は 1 始まり。
type Func func(ctx context.Context, attempt int) error

// Notify は再試行の直前に呼ばれます。
type Notify func(attempt int, err error, wait time.Duration)

// Permanent は再試行すべきでないエラーを包みます。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent は err が Permanent で包まれているかを返します。
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

func (p Policy) normalize() Policy {
	out := p
	if out.Attempts < 1 {
		out.Attempts = 1
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultPolicy.BaseDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	if out.Jitter > 1 {
		out.Jitter = 1
	}
	return out
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx)
}

// Do は fn を Policy に従って実行します。
//
// 戻り値:
//   - 成功時は nil
//   - キャンセル時は ctx.Err()（試行前に必ず確認する）
//   - fn が Permanent を返した場合は包まれた元のエラー
//   - 試行回数を使い切った場合は ErrExhausted と最後のエラーの両方に一致するエラー
func Do(ctx context.Context, p Policy, fn Func, notify Notify) error {
	p = p.normalize()

	attempt := 0
	permanent := false
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := fn(ctx, attempt)
		if err != nil && IsPermanent(err) {
			permanent = true
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), onRetry)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if permanent {
		return err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
}
