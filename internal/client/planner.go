package client

const (
	MiB = 1 << 20

	// MinChunkSize は不安定な回線・モバイル向けの最小チャンクです。
	MinChunkSize int64 = 2 * MiB
	// MidChunkSize は medium 回線向けです。
	MidChunkSize int64 = 5 * MiB
	// MaxChunkSize はサーバーが受け付ける1チャンクの上限です。
	MaxChunkSize int64 = 10 * MiB
)

// Plan はチャンク分割の計画です。アップロード開始後は変更しません。
type Plan struct {
	FileSize    int64
	ChunkSize   int64
	TotalChunks int
	Parallelism int
}

// Planner はファイルサイズ・端末種別・回線品質から Plan を作ります。
type Planner struct {
	MinChunkSize int64
	MidChunkSize int64
	Ceiling      int64 // サーバー側の上限。どの分類でもこれを超えない
}

// DefaultPlanner は既定のチャンクサイズを使います。
var DefaultPlanner = Planner{
	MinChunkSize: MinChunkSize,
	MidChunkSize: MidChunkSize,
	Ceiling:      MaxChunkSize,
}

// Plan は次の優先順で計画を決めます。
//  1. 同じファイルの保存済みセッションがあれば、その計画をそのまま使う
//  2. モバイル端末は最小チャンク・並列度1
//  3. 回線品質に応じて slow → 最小×1、medium → 中間×2、fast → 上限×4
//  4. チャンクサイズは常に上限以下
func (p Planner) Plan(fileSize int64, mobile bool, speed SpeedClass, existing *UploadSession) Plan {
	p = p.normalize()

	if existing != nil && existing.ChunkSize > 0 && existing.TotalChunks > 0 {
		parallelism := existing.Parallelism
		if parallelism < 1 {
			parallelism = 1
		}
		return Plan{
			FileSize:    existing.FileSize,
			ChunkSize:   existing.ChunkSize,
			TotalChunks: existing.TotalChunks,
			Parallelism: parallelism,
		}
	}

	var chunkSize int64
	var parallelism int
	switch {
	case mobile:
		chunkSize, parallelism = p.MinChunkSize, 1
	case speed == SpeedFast:
		chunkSize, parallelism = p.Ceiling, 4
	case speed == SpeedMedium:
		chunkSize, parallelism = p.MidChunkSize, 2
	default:
		chunkSize, parallelism = p.MinChunkSize, 1
	}
	if chunkSize > p.Ceiling {
		chunkSize = p.Ceiling
	}

	return Plan{
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: TotalChunks(fileSize, chunkSize),
		Parallelism: parallelism,
	}
}

func (p Planner) normalize() Planner {
	if p.Ceiling <= 0 {
		p.Ceiling = MaxChunkSize
	}
	if p.MinChunkSize <= 0 {
		p.MinChunkSize = MinChunkSize
	}
	if p.MidChunkSize <= 0 {
		p.MidChunkSize = MidChunkSize
	}
	return p
}

// TotalChunks は ceil(fileSize / chunkSize) を返します。
func TotalChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// ChunkRange は index 番目のチャンクのバイト範囲 [start, end) を返します。
func ChunkRange(fileSize, chunkSize int64, index int) (start, end int64) {
	start = int64(index) * chunkSize
	end = start + chunkSize
	if end > fileSize {
		end = fileSize
	}
	if start > end {
		start = end
	}
	return start, end
}

// Range は Plan に従った index 番目のチャンクのバイト範囲です。
func (p Plan) Range(index int) (start, end int64) {
	return ChunkRange(p.FileSize, p.ChunkSize, index)
}
