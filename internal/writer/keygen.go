package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/arraysink/arraysink/internal/config"
)

// keyGen formats shard keys from the normalized key pattern. The placeholder
// is substituted with the zero-padded shard index and the extension appended.
type keyGen struct {
	pattern string
	ext     string
}

// Next returns the key for shard index. Padding is a minimum of four digits;
// wider indices print unpadded.
func (g keyGen) Next(index int) string {
	return strings.Replace(g.pattern, config.Placeholder, fmt.Sprintf("%04d", index), 1) + "." + g.ext
}

// FindFree probes successive indices starting at start until exists reports a
// free key, and returns that index and key. Used in create mode so a fresh
// writer never clobbers pre-existing shard files.
func (g keyGen) FindFree(ctx context.Context, start int, exists func(context.Context, string) (bool, error)) (int, string, error) {
	for index := start; ; index++ {
		key := g.Next(index)
		taken, err := exists(ctx, key)
		if err != nil {
			return 0, "", fmt.Errorf("probe %s: %w", key, err)
		}
		if !taken {
			return index, key, nil
		}
	}
}
