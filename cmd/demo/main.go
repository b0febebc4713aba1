package main

// Demo: generate a handful of synthetic images in memory, run one batch in
// each execution mode, and show that both artifacts are byte-identical.
//
//   go run ./cmd/demo [-n 12] [-out ./demo-out]

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ChuLiYu/webptar/internal/logging"
	"github.com/ChuLiYu/webptar/internal/mode"
	"github.com/ChuLiYu/webptar/internal/pipeline"
	"github.com/ChuLiYu/webptar/internal/staging"
	"github.com/ChuLiYu/webptar/internal/worker"
	"github.com/ChuLiYu/webptar/pkg/types"
)

func main() {
	n := flag.Int("n", 12, "number of synthetic images")
	out := flag.String("out", "demo-out", "output directory")
	flag.Parse()

	logger, flush, err := logging.New(logging.Options{Level: "info"})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer flush()

	src, err := synthesize(*n)
	if err != nil {
		log.Fatalf("synthesize: %v", err)
	}
	fmt.Printf("✓ Generated %d images\n", len(src))

	stageDir, err := os.MkdirTemp("", "webptar-demo-")
	if err != nil {
		log.Fatalf("staging dir: %v", err)
	}
	defer os.RemoveAll(stageDir)

	var artifacts [][]byte
	for _, policy := range []mode.Policy{mode.PolicyBackground, mode.PolicyInline} {
		p, err := pipeline.New(pipeline.Config{
			Policy:              policy,
			Staging:             staging.Options{Backend: types.StagingSegment, Dir: stageDir},
			AllowMemoryFallback: true,
			ModTime:             time.Unix(1700000000, 0),
			OutputDir:           *out,
			Prefix:              "demo_" + string(policy),
			Manifest:            true,
			Logger:              logger,
		})
		if err != nil {
			log.Fatalf("pipeline: %v", err)
		}

		last := -1
		report, err := p.Run(context.Background(), src, func(ev types.Event) {
			switch ev.Kind {
			case types.EventWarning:
				fmt.Printf("  ⚠️  %s\n", ev.Label)
			case types.EventProgress, types.EventDone:
				if ev.Percent/10 != last/10 {
					fmt.Printf("  [%3d%%] %s\n", ev.Percent, ev.Label)
				}
				last = ev.Percent
			}
		})
		if err != nil {
			log.Fatalf("%s batch failed: %v", policy, err)
		}

		fmt.Printf("✓ %s: %s (%s, %s staging) %s → %s\n",
			policy, report.Artifact.Path, report.Plan.Format, report.Plan.Staging,
			humanize.Bytes(uint64(report.Result.ArchiveSize)), humanize.Bytes(uint64(report.Artifact.Size)))

		data, err := os.ReadFile(report.Artifact.Path)
		if err != nil {
			log.Fatalf("read artifact: %v", err)
		}
		artifacts = append(artifacts, data)
	}

	if bytes.Equal(artifacts[0], artifacts[1]) {
		fmt.Println("\n💡 Background and inline artifacts are byte-identical")
	} else {
		fmt.Println("\n⚠️  Artifacts differ between execution modes")
		os.Exit(1)
	}
}

// synthesize renders n gradient images, alternating JPEG and PNG.
func synthesize(n int) (worker.SliceSource, error) {
	src := make(worker.SliceSource, 0, n)
	for i := 0; i < n; i++ {
		w, h := 64+i*8, 48+i*4
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Set(x, y, color.RGBA{
					R: uint8(x * 255 / w),
					G: uint8(y * 255 / h),
					B: uint8(i * 20),
					A: 255,
				})
			}
		}

		var buf bytes.Buffer
		item := types.SourceItem{Index: i}
		if i%2 == 0 {
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
				return nil, err
			}
			item.Name, item.MediaType = fmt.Sprintf("frame_%02d.jpg", i), "image/jpeg"
		} else {
			if err := png.Encode(&buf, img); err != nil {
				return nil, err
			}
			item.Name, item.MediaType = fmt.Sprintf("frame_%02d.png", i), "image/png"
		}
		item.Data = buf.Bytes()
		src = append(src, item)
	}
	return src, nil
}
