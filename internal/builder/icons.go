package builder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/disintegration/imaging"
)

// IconOutcome reports whether a custom launcher icon was rendered into the
// project, or why the template's default icon was kept. The fallback is a
// visible branch, never a swallowed error.
type IconOutcome struct {
	Rendered bool
	Reason   string // set when the default icon was kept
}

const reasonNoIcon = "no custom icon supplied"

// IconRenderer is the optional capability of rasterizing a launcher icon set
// into a rendered project tree. Its absence is a configuration fact decided
// once at startup, not probed per job.
type IconRenderer interface {
	RenderInto(projectDir string, src image.Image, backgroundColor string) error
}

// applyIcon runs the optional custom icon step. Every failure here degrades
// to keeping the bundled default icon; it never aborts the build.
func (m *Materializer) applyIcon(ctx context.Context, dir string, spec ProjectSpec) IconOutcome {
	if len(spec.IconData) == 0 && spec.IconURL == "" {
		return IconOutcome{Reason: reasonNoIcon}
	}
	if m.icons == nil {
		return IconOutcome{Reason: "icon renderer not configured"}
	}

	src, err := resolveIconImage(ctx, spec)
	if err != nil {
		return IconOutcome{Reason: fmt.Sprintf("failed to load icon image: %v", err)}
	}
	if err := m.icons.RenderInto(dir, src, spec.IconColor); err != nil {
		return IconOutcome{Reason: fmt.Sprintf("failed to render icon set: %v", err)}
	}
	return IconOutcome{Rendered: true}
}

// resolveIconImage decodes the inline icon bytes, or fetches and decodes the
// remote reference when no inline image was supplied.
func resolveIconImage(ctx context.Context, spec ProjectSpec) (image.Image, error) {
	if len(spec.IconData) > 0 {
		return imaging.Decode(bytes.NewReader(spec.IconData))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.IconURL, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("icon fetch returned status %d", resp.StatusCode)
	}
	return imaging.Decode(resp.Body)
}

// launcherDensities is the fixed density matrix every generated icon set
// covers: launcher size and adaptive foreground canvas size in pixels.
var launcherDensities = []struct {
	name       string
	launcher   int
	foreground int
}{
	{"mdpi", 48, 108},
	{"hdpi", 72, 162},
	{"xhdpi", 96, 216},
	{"xxhdpi", 144, 324},
	{"xxxhdpi", 192, 432},
}

// adaptiveSafeZoneNum/Den scale the foreground content into the adaptive
// icon safe zone (66dp of the 108dp canvas).
const (
	adaptiveSafeZoneNum = 66
	adaptiveSafeZoneDen = 108
)

var hexColorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

const adaptiveIconXML = `<?xml version="1.0" encoding="utf-8"?>
<adaptive-icon xmlns:android="http://schemas.android.com/apk/res/android">
    <background android:drawable="@color/ic_launcher_background"/>
    <foreground android:drawable="@mipmap/ic_launcher_foreground"/>
</adaptive-icon>
`

// LauncherIconRenderer rasterizes square, round, and adaptive launcher icons
// for every density bucket and rewrites the adaptive descriptor and
// background color resource to match.
type LauncherIconRenderer struct{}

// NewLauncherIconRenderer creates the default icon renderer.
func NewLauncherIconRenderer() *LauncherIconRenderer {
	return &LauncherIconRenderer{}
}

// RenderInto writes the complete icon set under projectDir's res tree.
func (r *LauncherIconRenderer) RenderInto(projectDir string, src image.Image, backgroundColor string) error {
	resDir := filepath.Join(projectDir, "app", "src", "main", "res")

	for _, density := range launcherDensities {
		mipmapDir := filepath.Join(resDir, "mipmap-"+density.name)
		if err := os.MkdirAll(mipmapDir, 0o755); err != nil {
			return err
		}

		square := imaging.Fill(src, density.launcher, density.launcher, imaging.Center, imaging.Lanczos)
		if err := imaging.Save(square, filepath.Join(mipmapDir, "ic_launcher.png")); err != nil {
			return fmt.Errorf("failed to write %s launcher icon: %w", density.name, err)
		}
		if err := imaging.Save(circleCrop(square), filepath.Join(mipmapDir, "ic_launcher_round.png")); err != nil {
			return fmt.Errorf("failed to write %s round icon: %w", density.name, err)
		}

		// Adaptive foreground: content centered in the safe zone, padded
		// transparently to the full foreground canvas.
		safe := density.foreground * adaptiveSafeZoneNum / adaptiveSafeZoneDen
		content := imaging.Fit(src, safe, safe, imaging.Lanczos)
		canvas := imaging.New(density.foreground, density.foreground, color.Transparent)
		foreground := imaging.PasteCenter(canvas, content)
		if err := imaging.Save(foreground, filepath.Join(mipmapDir, "ic_launcher_foreground.png")); err != nil {
			return fmt.Errorf("failed to write %s foreground icon: %w", density.name, err)
		}
	}

	anydpiDir := filepath.Join(resDir, "mipmap-anydpi-v26")
	if err := os.MkdirAll(anydpiDir, 0o755); err != nil {
		return err
	}
	for _, name := range []string{"ic_launcher.xml", "ic_launcher_round.xml"} {
		if err := os.WriteFile(filepath.Join(anydpiDir, name), []byte(adaptiveIconXML), 0o644); err != nil {
			return err
		}
	}

	if !hexColorPattern.MatchString(backgroundColor) {
		backgroundColor = "#FFFFFF"
	}
	valuesDir := filepath.Join(resDir, "values")
	if err := os.MkdirAll(valuesDir, 0o755); err != nil {
		return err
	}
	background := fmt.Sprintf("<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<resources>\n    <color name=\"ic_launcher_background\">%s</color>\n</resources>\n", backgroundColor)
	return os.WriteFile(filepath.Join(valuesDir, "ic_launcher_background.xml"), []byte(background), 0o644)
}

// circleCrop clears the alpha of every pixel outside the inscribed circle.
func circleCrop(src image.Image) *image.NRGBA {
	out := imaging.Clone(src)
	bounds := out.Bounds()
	size := bounds.Dx()
	radius := float64(size) / 2
	cx, cy := radius, radius

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) + 0.5 - cx
			dy := float64(y) + 0.5 - cy
			if dx*dx+dy*dy > radius*radius {
				out.Pix[y*out.Stride+x*4+3] = 0
			}
		}
	}
	return out
}
