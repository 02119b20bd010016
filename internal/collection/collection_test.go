package collection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"linea/internal/extractor"
	"linea/internal/graph"
	gt "linea/internal/graph/graphtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	scripts   map[graph.LineaID]*gt.Script
	libraries map[graph.LineaID][]graph.Library
}

func (f *fakeCatalog) GetArtifact(_ context.Context, name string, version int) (graph.Artifact, error) {
	for _, s := range f.scripts {
		for _, a := range s.Artifacts {
			if a.Name == name && (version == 0 || version == a.Version) {
				return a, nil
			}
		}
	}
	return graph.Artifact{}, fmt.Errorf("artifact %s: %w", name, graph.ErrNotFound)
}

func (f *fakeCatalog) GetSessionGraph(_ context.Context, sessionID graph.LineaID) (*graph.Graph, error) {
	s, ok := f.scripts[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, graph.ErrNotFound)
	}
	return s.Graph()
}

func (f *fakeCatalog) GetLibraries(_ context.Context, sessionID graph.LineaID) ([]graph.Library, error) {
	return f.libraries[sessionID], nil
}

// newCatalog traces two sessions: a preparation script saving raw and
// clean_data, and a training script saving model.
func newCatalog() *fakeCatalog {
	prep := gt.NewScript("prep", "prep.py", "import pandas as pd\nurl = \"data.csv\"\ndf = pd.read_csv(url)\nclean = df.dropna()")
	prep.Import(1, "pandas", "pd")
	prep.Assign(2, "url", gt.Lit("data.csv"))
	prep.Assign(3, "df", gt.Method(gt.Ref("pd"), "read_csv", gt.Ref("url")))
	prep.Assign(4, "clean", gt.Method(gt.Ref("df"), "dropna"))
	prep.Save("raw", "df")
	prep.Save("clean_data", "clean")

	train := gt.NewScript("train", "train.py", "import pandas as pd\ndata = pd.read_csv(\"clean.csv\")\nmodel = data.fit()")
	train.Import(1, "pandas", "pd")
	train.Assign(2, "data", gt.Method(gt.Ref("pd"), "read_csv", gt.Lit("clean.csv")))
	train.Assign(3, "model", gt.Method(gt.Ref("data"), "fit"))
	train.Save("model", "model")

	return &fakeCatalog{
		scripts: map[graph.LineaID]*gt.Script{"prep": prep, "train": train},
		libraries: map[graph.LineaID][]graph.Library{
			"prep":  {{Name: "pandas", Version: "1.0"}, {Name: "numpy", Version: "2.0"}},
			"train": {{Name: "pandas", Version: "1.0"}, {Name: "scikit-learn"}},
		},
	}
}

func newCollection(t *testing.T, names ...string) *ArtifactCollection {
	t.Helper()
	refs := make([]Ref, 0, len(names))
	for _, n := range names {
		refs = append(refs, Ref{Name: n})
	}
	c, err := New(context.Background(), newCatalog(), refs)
	require.NoError(t, err)
	return c
}

func sessionIDs(t *testing.T, c *ArtifactCollection, deps Dependencies) []graph.LineaID {
	t.Helper()
	sorted, err := c.SortSessionArtifacts(deps)
	require.NoError(t, err)
	var ids []graph.LineaID
	for _, sa := range sorted {
		ids = append(ids, sa.SessionID())
	}
	return ids
}

func TestArtifactCollection_SortSessionArtifacts(t *testing.T) {
	c := newCollection(t, "model", "raw", "clean_data")

	t.Run("Insertion order without dependencies", func(t *testing.T) {
		assert.Equal(t, []graph.LineaID{"train", "prep"}, sessionIDs(t, c, nil))
	})

	t.Run("Declared prerequisite moves its session first", func(t *testing.T) {
		deps := Dependencies{"model": {"clean_data"}}
		assert.Equal(t, []graph.LineaID{"prep", "train"}, sessionIDs(t, c, deps))
	})

	t.Run("Same-session edges do not constrain sessions", func(t *testing.T) {
		deps := Dependencies{"clean_data": {"raw"}}
		assert.Equal(t, []graph.LineaID{"train", "prep"}, sessionIDs(t, c, deps))
	})
}

func TestArtifactCollection_CrossSessionCycle(t *testing.T) {
	c := newCollection(t, "model", "raw", "clean_data")

	_, err := c.SortSessionArtifacts(Dependencies{
		"model":      {"clean_data"},
		"clean_data": {"model"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrCycleDetected)

	var cerr *graph.CycleError
	require.True(t, errors.As(err, &cerr))
	assert.ElementsMatch(t, []string{"clean_data -> model", "model -> clean_data"}, cerr.Edges)
	assert.Equal(t, cerr.Path[0], cerr.Path[len(cerr.Path)-1])
}

func TestArtifactCollection_SessionsCannotInterleave(t *testing.T) {
	c := newCollection(t, "model", "raw", "clean_data")

	// raw (prep) -> model (train) -> clean_data (prep)
	_, err := c.SortSessionArtifacts(Dependencies{
		"model":      {"raw"},
		"clean_data": {"model"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrUnsupportedTopology)
	assert.NotErrorIs(t, err, graph.ErrCycleDetected)
}

func TestArtifactCollection_MissingArtifact(t *testing.T) {
	c := newCollection(t, "model", "clean_data")

	_, err := c.SortSessionArtifacts(Dependencies{"model": {"phantom", "ghost"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingArtifact)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost, phantom")

	_, err = c.SortSessionArtifacts(Dependencies{"model": {""}})
	assert.ErrorIs(t, err, graph.ErrInvalidSelector)
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, newCatalog(), nil)
	assert.ErrorIs(t, err, graph.ErrInvalidSelector)

	_, err = New(ctx, newCatalog(), []Ref{{Name: "model"}, {Name: "model"}})
	assert.ErrorIs(t, err, graph.ErrDuplicate)

	_, err = New(ctx, newCatalog(), []Ref{{Name: "my model"}, {Name: "my_model"}})
	assert.ErrorIs(t, err, graph.ErrDuplicate)

	_, err = New(ctx, newCatalog(), []Ref{{Name: "unknown"}})
	assert.ErrorIs(t, err, graph.ErrNotFound)

	_, err = New(ctx, newCatalog(), []Ref{{Name: "model", Version: 7}})
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestProgramSlice(t *testing.T) {
	ctx := context.Background()
	catalog := newCatalog()

	code, err := ProgramSlice(ctx, catalog, []Ref{{Name: "clean_data"}})
	require.NoError(t, err)
	assert.Equal(t, "import pandas as pd\nurl = \"data.csv\"\ndf = pd.read_csv(url)\nclean = df.dropna()\n", code)

	t.Run("Unbound expression", func(t *testing.T) {
		s := gt.NewScript("show", "show.py", "x = 1\ny = x + 1\nprint(y)")
		s.Assign(1, "x", gt.Lit(1))
		s.Assign(2, "y", gt.Call("+", gt.Ref("x"), gt.Lit(1)))
		shown := s.Stmt(3, gt.Call("print", gt.Ref("y")))
		s.Artifacts = append(s.Artifacts, graph.Artifact{Name: "shown", Version: 1, NodeID: shown, SessionID: "show"})
		catalog.scripts["show"] = s

		_, err := New(ctx, catalog, []Ref{{Name: "shown"}})
		require.ErrorIs(t, err, graph.ErrInvalidSelector)

		code, err := ProgramSlice(ctx, catalog, []Ref{{Name: "shown"}})
		require.NoError(t, err)
		assert.Equal(t, "x = 1\ny = x + 1\nprint(y)\n", code)
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := ProgramSlice(ctx, catalog, nil)
		assert.ErrorIs(t, err, graph.ErrInvalidSelector)

		_, err = ProgramSlice(ctx, catalog, []Ref{{Name: "raw"}, {Name: "model"}})
		assert.ErrorIs(t, err, graph.ErrSessionMismatch)

		_, err = ProgramSlice(ctx, catalog, []Ref{{Name: "unknown"}})
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("model")
	require.NoError(t, err)
	assert.Equal(t, Ref{Name: "model"}, ref)

	ref, err = ParseRef("model@3")
	require.NoError(t, err)
	assert.Equal(t, Ref{Name: "model", Version: 3}, ref)

	for _, bad := range []string{"", "@2", "model@", "model@0", "model@x"} {
		_, err := ParseRef(bad)
		assert.ErrorIs(t, err, graph.ErrInvalidSelector, bad)
	}
}

func TestArtifactCollection_GenerateModule(t *testing.T) {
	c := newCollection(t, "model", "raw", "clean_data")

	module, err := c.GenerateModule(Dependencies{"model": {"clean_data"}}, 4)
	require.NoError(t, err)

	expected := `import copy
import pandas as pd

def get_raw():
    url = "data.csv"
    df = pd.read_csv(url)
    return df

def get_clean_data(df):
    clean = df.dropna()
    return clean

def get_model():
    data = pd.read_csv("clean.csv")
    model = data.fit()
    return model

def run_session_including_raw():
    artifacts = dict()
    df = get_raw()
    artifacts["raw"] = copy.deepcopy(df)
    clean = get_clean_data(df)
    artifacts["clean_data"] = copy.deepcopy(clean)
    return artifacts

def run_session_including_model():
    artifacts = dict()
    model = get_model()
    artifacts["model"] = copy.deepcopy(model)
    return artifacts

def run_all_sessions():
    artifacts = dict()
    artifacts.update(run_session_including_raw())
    artifacts.update(run_session_including_model())
    return artifacts

if __name__ == "__main__":
    artifacts = run_all_sessions()
    print(artifacts)
`
	assert.Equal(t, expected, module)
	assert.NoError(t, extractor.CheckPython(context.Background(), module))

	again, err := c.GenerateModule(Dependencies{"model": {"clean_data"}}, 4)
	require.NoError(t, err)
	assert.Equal(t, module, again)
}

func TestArtifactCollection_GenerateRequirements(t *testing.T) {
	c := newCollection(t, "model", "clean_data")

	reqs, err := c.GenerateRequirements(context.Background(), Dependencies{"model": {"clean_data"}})
	require.NoError(t, err)
	assert.Equal(t, "pandas==1.0\nnumpy==2.0\nscikit-learn\n", reqs)
}

func TestArtifactCollection_WritePipelineFiles(t *testing.T) {
	c := newCollection(t, "model", "clean_data")
	dir := t.TempDir()

	files, err := c.WritePipelineFiles(context.Background(), nil, dir, "churn", 4)
	require.NoError(t, err)
	assert.Equal(t, dir+"/churn/churn_module.py", files.Module)
	assert.Equal(t, dir+"/churn/churn_requirements.txt", files.Requirements)

	module, err := os.ReadFile(files.Module)
	require.NoError(t, err)
	assert.Contains(t, string(module), "def run_session_including_model():")

	reqs, err := os.ReadFile(files.Requirements)
	require.NoError(t, err)
	assert.Equal(t, "pandas==1.0\nscikit-learn\nnumpy==2.0\n", string(reqs))
}
