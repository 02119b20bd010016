package refactor

import (
	"fmt"
	"strings"

	"linea/internal/slice"
)

// ResultSink renders the statement that captures an artifact value once it
// has been computed.
type ResultSink func(artifactName, variable string) string

// AppendTo captures artifacts by appending deep copies to a list.
func AppendTo(list string) ResultSink {
	return func(_, variable string) string {
		return fmt.Sprintf("%s.append(copy.deepcopy(%s))", list, variable)
	}
}

// AssignInto captures artifacts into a dict keyed by artifact name.
func AssignInto(dict string) ResultSink {
	return func(artifactName, variable string) string {
		return fmt.Sprintf("%s[%q] = copy.deepcopy(%s)", dict, artifactName, variable)
	}
}

// Code returns the source lines of the collection, each prefixed with
// indentation spaces.
func (c *NodeCollection) Code(indentation int) (string, error) {
	body, err := slice.SourceLines(c.Nodes)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.Name, err)
	}
	return indent(body, indentation), nil
}

// FunctionDefinition renders the collection as a Python function.
func (c *NodeCollection) FunctionDefinition(indentation int) (string, error) {
	body, err := c.Code(indentation)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "def %s(%s):\n", c.Name, strings.Join(c.Parameters, ", "))
	sb.WriteString(body)
	if len(c.Returns) > 0 {
		fmt.Fprintf(&sb, "%sreturn %s\n", pad(indentation), strings.Join(c.Returns, ", "))
	} else if body == "" {
		fmt.Fprintf(&sb, "%spass\n", pad(indentation))
	}
	return sb.String(), nil
}

// CallLine renders the call of the collection's function, without
// indentation.
func (c *NodeCollection) CallLine() string {
	call := fmt.Sprintf("%s(%s)", c.Name, strings.Join(c.Parameters, ", "))
	if len(c.Returns) == 0 {
		return call
	}
	return fmt.Sprintf("%s = %s", strings.Join(c.Returns, ", "), call)
}

// ImportBlock returns the hoisted import statements.
func (s *SessionArtifacts) ImportBlock(indentation int) (string, error) {
	return s.imports.Code(indentation)
}

// FunctionDefinitions renders every function, each followed by a blank line.
func (s *SessionArtifacts) FunctionDefinitions(indentation int) (string, error) {
	var sb strings.Builder
	for _, c := range s.collections {
		if c.Reused() {
			continue
		}
		def, err := c.FunctionDefinition(indentation)
		if err != nil {
			return "", err
		}
		sb.WriteString(def)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// CallBlock renders the calls of every function in order, at one level of
// indentation. After each artifact the original save call is re-emitted
// when keepSaveCalls is set, then the value is passed to sink if non-nil.
func (s *SessionArtifacts) CallBlock(indentation int, keepSaveCalls bool, sink ResultSink) string {
	prefix := pad(indentation)
	var sb strings.Builder
	for _, c := range s.collections {
		if !c.Reused() {
			sb.WriteString(prefix + c.CallLine() + "\n")
		}
		if c.Kind != KindArtifact {
			continue
		}
		if keepSaveCalls {
			fmt.Fprintf(&sb, "%slineapy.save(%s, %q)\n", prefix, c.Variable, c.ArtifactName)
		}
		if sink != nil {
			sb.WriteString(prefix + sink(c.ArtifactName, c.Variable) + "\n")
		}
	}
	return sb.String()
}

// GenerateCode renders a standalone Python module computing every artifact
// of the session through a pipeline() function.
func (s *SessionArtifacts) GenerateCode(keepSaveCalls bool, indentation int) (string, error) {
	multiple := len(s.artifacts) > 1

	var sb strings.Builder
	header, err := s.ImportBlock(0)
	if err != nil {
		return "", err
	}
	if multiple {
		header = "import copy\n" + header
	}
	if header != "" {
		sb.WriteString(header)
		sb.WriteString("\n")
	}

	defs, err := s.FunctionDefinitions(indentation)
	if err != nil {
		return "", err
	}
	sb.WriteString(defs)

	prefix := pad(indentation)
	sb.WriteString("def pipeline():\n")
	if multiple {
		sb.WriteString(prefix + "sessionartifacts = []\n")
		sb.WriteString(s.CallBlock(indentation, keepSaveCalls, AppendTo("sessionartifacts")))
		sb.WriteString(prefix + "return sessionartifacts\n")
	} else {
		sb.WriteString(s.CallBlock(indentation, keepSaveCalls, nil))
		sb.WriteString(prefix + "return " + s.collections[len(s.collections)-1].Variable + "\n")
	}
	sb.WriteString("\n")
	sb.WriteString("if __name__ == \"__main__\":\n")
	sb.WriteString(prefix + "pipeline()\n")
	return sb.String(), nil
}

func pad(indentation int) string {
	return strings.Repeat(" ", indentation)
}

func indent(code string, indentation int) string {
	if code == "" || indentation == 0 {
		return code
	}
	prefix := pad(indentation)
	lines := strings.SplitAfter(code, "\n")
	var sb strings.Builder
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			sb.WriteString(prefix)
		}
		sb.WriteString(line)
	}
	return sb.String()
}
