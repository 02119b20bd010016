package collection

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"linea/internal/refactor"
)

const moduleTemplate = `import copy
{{ .Imports }}
{{ .Functions }}{{ range .Sessions }}def {{ .Name }}():
{{ $.Indent }}artifacts = dict()
{{ .Calls }}{{ $.Indent }}return artifacts

{{ end }}def run_all_sessions():
{{ .Indent }}artifacts = dict()
{{ range .Sessions }}{{ $.Indent }}artifacts.update({{ .Name }}())
{{ end }}{{ .Indent }}return artifacts

if __name__ == "__main__":
{{ .Indent }}artifacts = run_all_sessions()
{{ .Indent }}print(artifacts)
`

var moduleTmpl = template.Must(template.New("module").Parse(moduleTemplate))

type sessionModule struct {
	Name  string
	Calls string
}

type moduleData struct {
	Indent    string
	Imports   string
	Functions string
	Sessions  []sessionModule
}

// SessionFunctionName names the function that computes every artifact of
// a session.
func SessionFunctionName(sa *refactor.SessionArtifacts) string {
	return "run_session_including_" + sa.FirstArtifactName()
}

// GenerateModule renders a Python module computing every artifact of the
// collection, session by session in dependency order.
func (c *ArtifactCollection) GenerateModule(deps Dependencies, indentation int) (string, error) {
	sorted, err := c.SortSessionArtifacts(deps)
	if err != nil {
		return "", err
	}

	data := moduleData{Indent: strings.Repeat(" ", indentation)}
	var imports []string
	seen := make(map[string]bool)
	var functions strings.Builder
	for _, sa := range sorted {
		block, err := sa.ImportBlock(0)
		if err != nil {
			return "", fmt.Errorf("imports of session %s: %w", sa.SessionID(), err)
		}
		for _, line := range strings.SplitAfter(block, "\n") {
			if line == "" || seen[line] {
				continue
			}
			seen[line] = true
			imports = append(imports, line)
		}

		defs, err := sa.FunctionDefinitions(indentation)
		if err != nil {
			return "", fmt.Errorf("functions of session %s: %w", sa.SessionID(), err)
		}
		functions.WriteString(defs)

		data.Sessions = append(data.Sessions, sessionModule{
			Name:  SessionFunctionName(sa),
			Calls: sa.CallBlock(indentation, false, refactor.AssignInto("artifacts")),
		})
	}
	data.Imports = strings.Join(imports, "")
	data.Functions = functions.String()

	var buf bytes.Buffer
	if err := moduleTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render module: %w", err)
	}
	return buf.String(), nil
}

// GenerateRequirements lists the libraries of every session as
// name==version lines, first occurrence first.
func (c *ArtifactCollection) GenerateRequirements(ctx context.Context, deps Dependencies) (string, error) {
	sorted, err := c.SortSessionArtifacts(deps)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	seen := make(map[string]bool)
	for _, sa := range sorted {
		libs, err := c.catalog.GetLibraries(ctx, sa.SessionID())
		if err != nil {
			return "", fmt.Errorf("libraries of session %s: %w", sa.SessionID(), err)
		}
		for _, lib := range libs {
			line := lib.Name
			if lib.Version != "" {
				line += "==" + lib.Version
			}
			if seen[line] {
				continue
			}
			seen[line] = true
			sb.WriteString(line + "\n")
		}
	}
	return sb.String(), nil
}

// PipelineFiles are the paths written by WritePipelineFiles.
type PipelineFiles struct {
	Module       string
	Requirements string
}

// WritePipelineFiles writes <name>_module.py and <name>_requirements.txt into
// outputDir/name.
func (c *ArtifactCollection) WritePipelineFiles(ctx context.Context, deps Dependencies, outputDir, name string, indentation int) (PipelineFiles, error) {
	dir := filepath.Join(outputDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PipelineFiles{}, fmt.Errorf("create output dir: %w", err)
	}

	module, err := c.GenerateModule(deps, indentation)
	if err != nil {
		return PipelineFiles{}, err
	}
	reqs, err := c.GenerateRequirements(ctx, deps)
	if err != nil {
		return PipelineFiles{}, err
	}

	files := PipelineFiles{
		Module:       filepath.Join(dir, name+"_module.py"),
		Requirements: filepath.Join(dir, name+"_requirements.txt"),
	}
	if err := os.WriteFile(files.Module, []byte(module), 0o644); err != nil {
		return PipelineFiles{}, fmt.Errorf("write module: %w", err)
	}
	c.logger.Info("generated module file", "path", files.Module)
	if err := os.WriteFile(files.Requirements, []byte(reqs), 0o644); err != nil {
		return PipelineFiles{}, fmt.Errorf("write requirements: %w", err)
	}
	c.logger.Info("generated requirements file", "path", files.Requirements)
	return files, nil
}
