package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/born-ml/stemconv/internal/logging"
	"github.com/born-ml/stemconv/internal/tfgraph"
)

// FrozenGraphName is the file name of the frozen graph cache inside an
// extracted model directory.
const FrozenGraphName = "frozen_model.pb"

// IsModelVariable reports whether a bundle key holds a model weight rather
// than optimizer or bookkeeping state.
func IsModelVariable(key string) bool {
	if key == "global_step" || strings.HasSuffix(key, "_power") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if strings.HasPrefix(part, "Adam") || strings.HasPrefix(part, "Momentum") {
			return false
		}
	}
	return true
}

// Freeze loads the latest checkpoint in dir and writes every model variable
// as a Const node of a GraphDef at out.
func Freeze(ctx context.Context, dir, out string) error {
	logger := logging.FromContext(ctx)

	prefix, err := LatestPrefix(dir)
	if err != nil {
		return err
	}
	bundle, err := Open(prefix)
	if err != nil {
		return err
	}

	var consts []*tfgraph.Constant
	skipped := 0
	for _, key := range bundle.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !IsModelVariable(key) {
			skipped++
			continue
		}
		t, err := bundle.Tensor(key)
		if err != nil {
			return err
		}
		consts = append(consts, tfgraph.NewConstant(key, t))
	}
	if len(consts) == 0 {
		return fmt.Errorf("checkpoint %s holds no model variables", prefix)
	}

	g, err := tfgraph.New(consts...)
	if err != nil {
		return err
	}
	if err := tfgraph.WriteFile(out, g); err != nil {
		return err
	}
	logger.Debug("froze checkpoint", "prefix", prefix, "constants", g.Len(), "skipped", skipped, "path", out)
	return nil
}
