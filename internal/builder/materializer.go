// Package builder turns an app record into a buildable native project and
// runs the build toolchain around it.
package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/appforge/appforge/internal/logger"
)

// Placeholder tokens resolved during materialization. The template tree may
// use them in any text file; a source directory literally named
// PackagePathToken is renamed into the real package path.
const (
	// PackageNameToken is replaced with the dotted package name
	PackageNameToken = "__PACKAGE_NAME__"
	// PackagePathToken is replaced with the package name as a path
	PackagePathToken = "__PACKAGE_PATH__"
	// AppNameToken is replaced with the display name of the app
	AppNameToken = "__APP_NAME__"
	// StartURLToken is replaced with the URL the app opens on launch
	StartURLToken = "__START_URL__"
	// PrimaryColorToken is replaced with the app's primary branding color
	PrimaryColorToken = "__PRIMARY_COLOR__"
	// IconColorToken is replaced with the adaptive icon background color
	IconColorToken = "__ICON_COLOR__"
	// VersionCodeToken is replaced with the monotonic version code
	VersionCodeToken = "__VERSION_CODE__"
)

var allTokens = []string{
	PackageNameToken,
	PackagePathToken,
	AppNameToken,
	StartURLToken,
	PrimaryColorToken,
	IconColorToken,
	VersionCodeToken,
}

var packageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// ProjectSpec is the per-app configuration a project is rendered from.
type ProjectSpec struct {
	AppID        uint
	AppName      string
	StartURL     string
	PrimaryColor string
	IconColor    string
	PackageName  string
	VersionCode  int
	IconData     []byte // inline icon image, takes precedence over IconURL
	IconURL      string // remote icon image reference
}

// Materializer renders a buildable project tree from a fixed template plus a
// ProjectSpec. The optional icon renderer is a capability decided at
// construction time; when absent, apps keep the template's bundled icon.
type Materializer struct {
	templateDir string
	icons       IconRenderer
}

// NewMaterializer creates a materializer over the given template tree.
// icons may be nil when no icon rendering capability is configured.
func NewMaterializer(templateDir string, icons IconRenderer) *Materializer {
	return &Materializer{
		templateDir: templateDir,
		icons:       icons,
	}
}

// Render materializes the template into dir for the given spec. dir must not
// exist yet; distinct jobs always render into distinct directories. The icon
// outcome reports whether a custom icon was applied or why the build fell
// back to the default one; icon problems never fail the render.
func (m *Materializer) Render(ctx context.Context, dir string, spec ProjectSpec) (IconOutcome, error) {
	if !packageNamePattern.MatchString(spec.PackageName) {
		return IconOutcome{}, fmt.Errorf("invalid package name %q", spec.PackageName)
	}
	if info, err := os.Stat(m.templateDir); err != nil || !info.IsDir() {
		return IconOutcome{}, fmt.Errorf("template directory %q is not usable: %w", m.templateDir, err)
	}

	if err := copyTree(m.templateDir, dir); err != nil {
		return IconOutcome{}, fmt.Errorf("failed to copy template: %w", err)
	}

	packagePath := filepath.FromSlash(strings.ReplaceAll(spec.PackageName, ".", "/"))
	if err := renamePackageDirs(dir, packagePath); err != nil {
		return IconOutcome{}, fmt.Errorf("failed to lay out package path: %w", err)
	}

	if err := substituteTree(dir, spec, packagePath); err != nil {
		return IconOutcome{}, err
	}

	if err := verifyNoTokens(dir); err != nil {
		return IconOutcome{}, err
	}

	outcome := m.applyIcon(ctx, dir, spec)
	if !outcome.Rendered && outcome.Reason != reasonNoIcon {
		logger.WarnWithFields("Keeping default app icon", map[string]interface{}{
			"app_id": spec.AppID,
			"reason": outcome.Reason,
		})
	}
	return outcome, nil
}

// copyTree copies the template tree into dst, preserving file modes so the
// gradle wrapper stays executable.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// renamePackageDirs moves the children of every directory literally named
// PackagePathToken into the real nested package directories.
func renamePackageDirs(root, packagePath string) error {
	var placeholders []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == PackagePathToken {
			placeholders = append(placeholders, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, placeholder := range placeholders {
		target := filepath.Join(filepath.Dir(placeholder), packagePath)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Rename(placeholder, target); err != nil {
			return err
		}
	}
	return nil
}

// substituteTree rewrites every substitutable file in place, escaping values
// for the destination file's syntax: structured-markup escaping for XML,
// string-literal escaping for source files, raw values for build scripts.
func substituteTree(root string, spec ProjectSpec, packagePath string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !substitutableFile(path) {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		content := string(raw)
		if !containsToken(content) {
			return nil
		}

		escape := escaperFor(path)
		replacer := strings.NewReplacer(
			PackageNameToken, spec.PackageName,
			PackagePathToken, filepath.ToSlash(packagePath),
			AppNameToken, escape(spec.AppName),
			StartURLToken, escape(spec.StartURL),
			PrimaryColorToken, escape(spec.PrimaryColor),
			IconColorToken, escape(spec.IconColor),
			VersionCodeToken, strconv.Itoa(spec.VersionCode),
		)
		return os.WriteFile(path, []byte(replacer.Replace(content)), info.Mode().Perm())
	})
}

func substitutableFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml", ".java", ".kt", ".kts", ".gradle", ".properties", ".json", ".pro", ".txt", ".md":
		return true
	}
	return false
}

func escaperFor(path string) func(string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		return escapeXML
	case ".java", ".kt":
		return escapeStringLiteral
	default:
		return func(s string) string { return s }
	}
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

func escapeStringLiteral(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	return r.Replace(s)
}

func containsToken(content string) bool {
	for _, token := range allTokens {
		if strings.Contains(content, token) {
			return true
		}
	}
	return false
}

// verifyNoTokens enforces the materializer postcondition: no unresolved
// placeholder token anywhere in the rendered tree, file contents or names.
func verifyNoTokens(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if containsToken(info.Name()) {
			return fmt.Errorf("unresolved placeholder in path %q", path)
		}
		if info.IsDir() || !substitutableFile(path) {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if containsToken(string(raw)) {
			return fmt.Errorf("unresolved placeholder token left in %q", path)
		}
		return nil
	})
}
