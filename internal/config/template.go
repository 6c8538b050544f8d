package config

import (
	"embed"
	"fmt"
	"io"
	"os"
	"slices"
)

//go:embed templates/*.ini
var templates embed.FS

// TemplateKinds lists the configuration templates that can be generated
var TemplateKinds = []string{CSV, Postgres, Snowflake}

// WriteTemplate writes a commented INI configuration for kind
func WriteTemplate(w io.Writer, kind string) error {
	if !slices.Contains(TemplateKinds, kind) {
		return fmt.Errorf("unknown template %q (use csv, postgres or snowflake)", kind)
	}
	data, err := templates.ReadFile("templates/" + kind + ".ini")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteTemplateFile writes the template to path, refusing to overwrite an
// existing file
func WriteTemplateFile(path, kind string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteTemplate(f, kind); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
