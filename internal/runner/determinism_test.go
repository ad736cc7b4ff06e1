package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jorge-barreto/docpipe/internal/config"
	"github.com/jorge-barreto/docpipe/internal/verify"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

func TestRun_TwiceProducesEqualArtifacts(t *testing.T) {
	cfg := newConfig(t, "")
	run := func(ctx context.Context, c *config.Config) (string, error) {
		r, err := New(c)
		if err != nil {
			return "", err
		}
		out, err := r.Run(ctx)
		if err != nil {
			return "", err
		}
		return out.RunDir, out.Err()
	}
	report, err := verify.TwoRun(context.Background(), cfg, t.TempDir(), run)
	if err != nil {
		t.Fatalf("TwoRun: %v", err)
	}
	if !report.Equal {
		t.Fatalf("runs differ: %+v", report)
	}
	dirs := []string{report.RunA, report.RunB}

	var plans []string
	for _, dir := range dirs {
		h, err := verify.HashRun(dir)
		if err != nil {
			t.Fatalf("HashRun %s: %v", dir, err)
		}
		plan, ok := h.Artifacts[worker.PagePlanPath]
		if !ok {
			t.Fatalf("%s: page plan not hashed", dir)
		}
		plans = append(plans, plan)

		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(worker.ValidationReportPath)))
		if err != nil {
			t.Fatal(err)
		}
		var vr worker.ValidationReport
		if err := json.Unmarshal(data, &vr); err != nil {
			t.Fatalf("decoding validation report: %v", err)
		}
		if !vr.OK {
			t.Fatalf("%s: validation report not ok", dir)
		}
	}
	if plans[0] != plans[1] {
		t.Fatalf("page plan hashes differ: %s vs %s", plans[0], plans[1])
	}
}
