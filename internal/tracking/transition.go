// Package tracking はジョブ作成後の状態追跡（状態遷移の判定・ポーリング・ジョブ ID の保存）を扱います。
package tracking

// ジョブの状態。この4つ以外の値も処理中として扱います。
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Transition はポーリング1回分の判定結果です。
type Transition int

const (
	TransitionContinue Transition = iota
	TransitionCompleted
	TransitionFailed
)

func (t Transition) String() string {
	switch t {
	case TransitionCompleted:
		return "completed"
	case TransitionFailed:
		return "failed"
	default:
		return "continue"
	}
}

// Terminal は追跡を終えるべき遷移かを返します。
func (t Transition) Terminal() bool {
	return t == TransitionCompleted || t == TransitionFailed
}

// Reduce はジョブの状態を遷移に変換します。
// result の有無は見ません。通信エラーや 404 はここに渡さず、呼び出し側で扱います。
func Reduce(status string) Transition {
	switch status {
	case StatusCompleted:
		return TransitionCompleted
	case StatusFailed:
		return TransitionFailed
	default:
		return TransitionContinue
	}
}
