package planner

import (
	"testing"

	"renderflow/internal/models"
	"renderflow/internal/pkg/errors"
)

func TestPlan(t *testing.T) {
	t.Run("three full chunks with chaining offset", func(t *testing.T) {
		chunks, err := Plan(303, 101, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(chunks) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(chunks))
		}

		wantStarts := []int{0, 91, 182}
		for i, c := range chunks {
			if c.StartFrame != wantStarts[i] {
				t.Errorf("chunk %d: start frame = %d, want %d", i+1, c.StartFrame, wantStarts[i])
			}
			if c.FrameCount != 101 {
				t.Errorf("chunk %d: frame count = %d, want 101", i+1, c.FrameCount)
			}
		}
	})

	t.Run("two chunks", func(t *testing.T) {
		chunks, err := Plan(202, 101, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(chunks) != 2 {
			t.Fatalf("expected 2 chunks, got %d", len(chunks))
		}
		if chunks[1].StartFrame != 91 {
			t.Errorf("chunk 2 start frame = %d, want 91", chunks[1].StartFrame)
		}
	})

	t.Run("single chunk when total fits", func(t *testing.T) {
		chunks, err := Plan(80, 101, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(chunks) != 1 {
			t.Fatalf("expected 1 chunk, got %d", len(chunks))
		}
		if chunks[0].StartFrame != 0 || chunks[0].FrameCount != 80 {
			t.Errorf("chunk = (%d,%d), want (0,80)", chunks[0].StartFrame, chunks[0].FrameCount)
		}
	})

	t.Run("short tail chunk", func(t *testing.T) {
		chunks, err := Plan(250, 101, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(chunks) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(chunks))
		}
		if chunks[2].FrameCount != 48 {
			t.Errorf("tail chunk frame count = %d, want 48", chunks[2].FrameCount)
		}
	})

	t.Run("coverage and ordering invariants", func(t *testing.T) {
		cases := []struct{ total, chunk, overlap int }{
			{303, 101, 10},
			{202, 101, 10},
			{1, 1, 0},
			{1000, 161, 10},
			{161, 161, 10},
			{161, 161, 0},
			{5000, 97, 13},
		}
		for _, tc := range cases {
			chunks, err := Plan(tc.total, tc.chunk, tc.overlap)
			if err != nil {
				t.Fatalf("plan(%d,%d,%d): %v", tc.total, tc.chunk, tc.overlap, err)
			}

			sum := 0
			for i, c := range chunks {
				sum += c.FrameCount
				if i > 0 {
					prev := chunks[i-1]
					if c.StartFrame <= prev.StartFrame {
						t.Errorf("plan(%d,%d,%d): start frames not strictly increasing", tc.total, tc.chunk, tc.overlap)
					}
					if c.StartFrame != prev.StartFrame+prev.FrameCount-tc.overlap {
						t.Errorf("plan(%d,%d,%d): chunk %d start %d breaks chaining recurrence", tc.total, tc.chunk, tc.overlap, c.Index, c.StartFrame)
					}
				}
			}
			if sum != tc.total {
				t.Errorf("plan(%d,%d,%d): rendered frames %d != total", tc.total, tc.chunk, tc.overlap, sum)
			}
		}
	})

	t.Run("invalid inputs fail fast", func(t *testing.T) {
		cases := []struct {
			name                  string
			total, chunk, overlap int
		}{
			{"zero total", 0, 101, 10},
			{"negative total", -5, 101, 10},
			{"zero chunk", 100, 0, 10},
			{"negative overlap", 100, 101, -1},
			{"overlap >= chunk", 100, 10, 10},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := Plan(tc.total, tc.chunk, tc.overlap)
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.IsCode(err, errors.CodePlanning) {
					t.Errorf("expected planning error, got %v", err)
				}
			})
		}
	})
}

func TestBuildJobs(t *testing.T) {
	t.Run("two-stage graph", func(t *testing.T) {
		chunks, _ := Plan(202, 101, 10)
		g, err := BuildJobs("run1", chunks, Options{
			TwoStage:       true,
			FeedbackOffset: 2,
			SourceMedia:    "input.mp4",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(g.RenderJobs) != 4 {
			t.Fatalf("expected 4 render jobs, got %d", len(g.RenderJobs))
		}
		if len(g.StitchJobs) != 2 {
			t.Fatalf("expected 2 stitch jobs, got %d", len(g.StitchJobs))
		}

		coarse := 0
		refine := 0
		for _, j := range g.RenderJobs {
			switch j.Stage {
			case models.StageCoarse:
				coarse++
			case models.StageRefine:
				refine++
			}
		}
		if coarse != 2 || refine != 2 {
			t.Errorf("stage split = %d coarse / %d refine, want 2/2", coarse, refine)
		}

		if g.StitchJobs[0].PreviousStitchOutput != "" {
			t.Error("stitch 1 should have no previous output")
		}
		if g.StitchJobs[1].PreviousStitchOutput == "" {
			t.Error("stitch 2 should chain on stitch 1 output")
		}
		if g.StitchJobs[1].PreviousStitchOutput != g.StitchJobs[0].OutputRef {
			t.Error("stitch 2 previous output should equal stitch 1 output ref")
		}

		if err := Validate(g, chunks); err != nil {
			t.Errorf("validate: %v", err)
		}
	})

	t.Run("refine consumes coarse intermediate", func(t *testing.T) {
		chunks, _ := Plan(303, 101, 10)
		g, _ := BuildJobs("run1", chunks, Options{TwoStage: true, FeedbackOffset: 2})

		byChunk := map[int]map[models.Stage]*models.RenderJob{}
		for _, j := range g.RenderJobs {
			if byChunk[j.SequenceNumber] == nil {
				byChunk[j.SequenceNumber] = map[models.Stage]*models.RenderJob{}
			}
			byChunk[j.SequenceNumber][j.Stage] = j
		}
		for n, stages := range byChunk {
			if stages[models.StageRefine].InputRefs.Intermediate != stages[models.StageCoarse].OutputRef {
				t.Errorf("chunk %d: refine intermediate does not match coarse output", n)
			}
		}
	})

	t.Run("feedback reference two chunks back", func(t *testing.T) {
		chunks, _ := Plan(505, 101, 10) // 5 chunks
		g, _ := BuildJobs("run1", chunks, Options{TwoStage: true, FeedbackOffset: 2})

		for _, j := range g.RenderJobs {
			if j.Stage != models.StageCoarse {
				continue
			}
			if j.SequenceNumber <= 2 {
				if j.InputRefs.ReferenceImage != "" {
					t.Errorf("coarse %d should have no feedback reference", j.SequenceNumber)
				}
				continue
			}
			want := ReferenceRef("run1", j.SequenceNumber-2)
			if j.InputRefs.ReferenceImage != want {
				t.Errorf("coarse %d reference = %q, want %q", j.SequenceNumber, j.InputRefs.ReferenceImage, want)
			}
		}
	})

	t.Run("single-stage chains on prior chunk", func(t *testing.T) {
		chunks, _ := Plan(303, 101, 10)
		g, _ := BuildJobs("run1", chunks, Options{FeedbackOffset: 1, ReferenceImage: "seed.png"})

		if len(g.RenderJobs) != 3 {
			t.Fatalf("expected 3 render jobs, got %d", len(g.RenderJobs))
		}
		if g.RenderJobs[0].InputRefs.ReferenceImage != "seed.png" {
			t.Errorf("chunk 1 should use the static reference image")
		}
		if g.RenderJobs[1].InputRefs.ReferenceImage != ReferenceRef("run1", 1) {
			t.Errorf("chunk 2 should reference chunk 1 extraction")
		}
	})

	t.Run("empty plan rejected", func(t *testing.T) {
		if _, err := BuildJobs("run1", nil, Options{}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestReferenceFrame(t *testing.T) {
	cases := []struct {
		rendered, overlap, want int
	}{
		{101, 10, 91},
		{10, 10, 1},
		{5, 10, 1},
		{1, 0, 1},
	}
	for _, tc := range cases {
		if got := ReferenceFrame(tc.rendered, tc.overlap); got != tc.want {
			t.Errorf("ReferenceFrame(%d,%d) = %d, want %d", tc.rendered, tc.overlap, got, tc.want)
		}
	}
}
