package refactor

import (
	"bytes"
	"log/slog"
	"testing"

	"linea/internal/graph"
	gt "linea/internal/graph/graphtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const incrementsCode = `import lineapy
art = {}
a0 = 0
a0 += 1
art['a0'] = lineapy.save(a0,"a0")
a=1
art['a'] = lineapy.save(a, "a")

a+=1
b = a*2 + a0
c = b+3
d = a*4
e = d+5
e+=6
art['c'] = lineapy.save(c, "c")
art['e'] = lineapy.save(e, "e")

f = c+7
art['f'] = lineapy.save(f, "f")
a+=1
g = c+e *2
art['g2'] = lineapy.save(g,'g2')
h = a+g
art['h'] = lineapy.save(h,'h')`

// increments traces incrementsCode. The save statements themselves are not
// recorded; they only tag artifacts.
func increments(t *testing.T) (*gt.Script, *graph.Graph) {
	t.Helper()
	s := gt.NewScript("s1", "increments.py", incrementsCode)
	s.Import(1, "lineapy", "")
	s.Assign(2, "art", gt.Call("dict"))
	s.Assign(3, "a0", gt.Lit(0))
	s.AugAssign(4, "a0", "+", gt.Lit(1))
	s.Save("a0", "a0")
	s.Assign(6, "a", gt.Lit(1))
	s.Save("a", "a")
	s.AugAssign(9, "a", "+", gt.Lit(1))
	s.Assign(10, "b", gt.Call("+", gt.Call("*", gt.Ref("a"), gt.Lit(2)), gt.Ref("a0")))
	s.Assign(11, "c", gt.Call("+", gt.Ref("b"), gt.Lit(3)))
	s.Assign(12, "d", gt.Call("*", gt.Ref("a"), gt.Lit(4)))
	s.Assign(13, "e", gt.Call("+", gt.Ref("d"), gt.Lit(5)))
	s.AugAssign(14, "e", "+", gt.Lit(6))
	s.Save("c", "c")
	s.Save("e", "e")
	s.Assign(18, "f", gt.Call("+", gt.Ref("c"), gt.Lit(7)))
	s.Save("f", "f")
	s.AugAssign(20, "a", "+", gt.Lit(1))
	s.Assign(21, "g", gt.Call("+", gt.Ref("c"), gt.Call("*", gt.Ref("e"), gt.Lit(2))))
	s.Save("g2", "g")
	s.Assign(23, "h", gt.Call("+", gt.Ref("a"), gt.Ref("g")))
	s.Save("h", "h")

	g, err := s.Graph()
	require.NoError(t, err)
	return s, g
}

func pick(s *gt.Script, names ...string) []graph.Artifact {
	out := make([]graph.Artifact, 0, len(names))
	for _, n := range names {
		out = append(out, s.Artifact(n))
	}
	return out
}

func TestSessionArtifacts_GenerateCode_SharedPrerequisite(t *testing.T) {
	s, g := increments(t)

	sa, err := NewSessionArtifacts(g, pick(s, "a0", "c", "h"))
	require.NoError(t, err)

	code, err := sa.GenerateCode(true, 2)
	require.NoError(t, err)

	expected := `import copy

def get_a0():
  a0 = 0
  a0 += 1
  return a0

def get_a_for_artifact_c_and_downstream():
  a=1
  a+=1
  return a

def get_c(a, a0):
  b = a*2 + a0
  c = b+3
  return c

def get_h(a, c):
  d = a*4
  e = d+5
  e+=6
  a+=1
  g = c+e *2
  h = a+g
  return h

def pipeline():
  sessionartifacts = []
  a0 = get_a0()
  lineapy.save(a0, "a0")
  sessionartifacts.append(copy.deepcopy(a0))
  a = get_a_for_artifact_c_and_downstream()
  c = get_c(a, a0)
  lineapy.save(c, "c")
  sessionartifacts.append(copy.deepcopy(c))
  h = get_h(a, c)
  lineapy.save(h, "h")
  sessionartifacts.append(copy.deepcopy(h))
  return sessionartifacts

if __name__ == "__main__":
  pipeline()
`
	assert.Equal(t, expected, code)
}

func TestSessionArtifacts_GenerateCode_SingleArtifact(t *testing.T) {
	s, g := increments(t)

	sa, err := NewSessionArtifacts(g, pick(s, "h"))
	require.NoError(t, err)

	code, err := sa.GenerateCode(false, 2)
	require.NoError(t, err)

	expected := `def get_h():
  a0 = 0
  a0 += 1
  a=1
  a+=1
  b = a*2 + a0
  c = b+3
  d = a*4
  e = d+5
  e+=6
  a+=1
  g = c+e *2
  h = a+g
  return h

def pipeline():
  h = get_h()
  return h

if __name__ == "__main__":
  pipeline()
`
	assert.Equal(t, expected, code)
}

func TestSessionArtifacts_AllArtifacts(t *testing.T) {
	s, g := increments(t)

	// Input order does not matter; artifacts are computed in visit order.
	sa, err := NewSessionArtifacts(g, pick(s, "h", "g2", "f", "e", "c", "a", "a0"))
	require.NoError(t, err)

	type fn struct {
		name    string
		params  []string
		returns []string
	}
	var got []fn
	for _, c := range sa.Collections() {
		got = append(got, fn{c.Name, c.Parameters, c.Returns})
	}
	assert.Equal(t, []fn{
		{"get_a0", []string{}, []string{"a0"}},
		{"get_a", []string{}, []string{"a"}},
		{"get_a_for_artifact_c_and_downstream", []string{"a"}, []string{"a"}},
		{"get_c", []string{"a", "a0"}, []string{"c"}},
		{"get_e", []string{"a"}, []string{"e"}},
		{"get_f", []string{"c"}, []string{"f"}},
		{"get_g2", []string{"c", "e"}, []string{"g"}},
		{"get_h", []string{"a", "g"}, []string{"h"}},
	}, got)

	names := make([]string, 0, 7)
	for _, a := range sa.Artifacts() {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"a0", "a", "c", "e", "f", "g2", "h"}, names)
	assert.Equal(t, "a0", sa.FirstArtifactName())

	block := sa.CallBlock(2, false, AssignInto("artifacts"))
	assert.Contains(t, block, "  a = get_a_for_artifact_c_and_downstream(a)\n  c = get_c(a, a0)\n  artifacts[\"c\"] = copy.deepcopy(c)\n")
	assert.Contains(t, block, "  g = get_g2(c, e)\n  artifacts[\"g2\"] = copy.deepcopy(g)\n")
}

func TestSessionArtifacts_NoNodeInTwoFunctions(t *testing.T) {
	s, g := increments(t)

	selections := [][]string{
		{"a0", "c", "h"},
		{"a", "e", "g2"},
		{"h", "a0", "a", "c", "e", "f", "g2"},
	}
	for _, sel := range selections {
		sa, err := NewSessionArtifacts(g, pick(s, sel...))
		require.NoError(t, err)

		owner := make(map[graph.LineaID]string)
		for _, c := range append(sa.Collections(), sa.Imports()) {
			for _, n := range c.Nodes {
				prev, dup := owner[n.ID()]
				assert.False(t, dup, "node %s in %s and %s", n.ID(), prev, c.Name)
				owner[n.ID()] = c.Name
			}
		}

		// Every node needed by the selection is owned by exactly one collection.
		for _, art := range pick(s, sel...) {
			ancestors, err := g.GetAncestors(art.NodeID)
			require.NoError(t, err)
			for _, id := range append(ancestors, art.NodeID) {
				assert.Contains(t, owner, id)
			}
		}
	}
}

func TestSessionArtifacts_ImportsAreHoisted(t *testing.T) {
	t.Run("Plain import", func(t *testing.T) {
		code := "import pandas\ndf = pandas.DataFrame({'a':[1,2]})\ndf2 = pandas.concat([df,df])"
		s := gt.NewScript("s1", "frames.py", code)
		s.Import(1, "pandas", "")
		s.Assign(2, "df", gt.Method(gt.Ref("pandas"), "DataFrame", gt.Call("dict", gt.Lit("a"), gt.Call("list", gt.Lit(1), gt.Lit(2)))))
		s.Assign(3, "df2", gt.Method(gt.Ref("pandas"), "concat", gt.Call("list", gt.Ref("df"), gt.Ref("df"))))
		s.Save("df", "df")
		s.Save("df2", "df2")
		g, err := s.Graph()
		require.NoError(t, err)

		sa, err := NewSessionArtifacts(g, s.Artifacts)
		require.NoError(t, err)
		out, err := sa.GenerateCode(false, 4)
		require.NoError(t, err)

		expected := `import copy
import pandas

def get_df():
    df = pandas.DataFrame({'a':[1,2]})
    return df

def get_df2(df):
    df2 = pandas.concat([df,df])
    return df2

def pipeline():
    sessionartifacts = []
    df = get_df()
    sessionartifacts.append(copy.deepcopy(df))
    df2 = get_df2(df)
    sessionartifacts.append(copy.deepcopy(df2))
    return sessionartifacts

if __name__ == "__main__":
    pipeline()
`
		assert.Equal(t, expected, out)
	})

	t.Run("Aliased import", func(t *testing.T) {
		code := "import pandas as pd\ndf = pd.DataFrame({'a':[1,2]})"
		s := gt.NewScript("s1", "frames.py", code)
		s.Import(1, "pandas", "pd")
		s.Assign(2, "df", gt.Method(gt.Ref("pd"), "DataFrame", gt.Call("dict")))
		s.Save("df", "df")
		g, err := s.Graph()
		require.NoError(t, err)

		sa, err := NewSessionArtifacts(g, s.Artifacts)
		require.NoError(t, err)
		block, err := sa.ImportBlock(0)
		require.NoError(t, err)
		assert.Equal(t, "import pandas as pd\n", block)

		require.Len(t, sa.Collections(), 1)
		assert.Empty(t, sa.Collections()[0].Parameters)
	})
}

func TestSessionArtifacts_SharedURL(t *testing.T) {
	code := `import pandas as pd
url1 = "iris.csv"
train_df = pd.read_csv(url1)
mod = train_df.fit()
pred_df = pd.read_csv(url1)
pred = mod.predict(pred_df)`
	s := gt.NewScript("s1", "iris.py", code)
	s.Import(1, "pandas", "pd")
	s.Assign(2, "url1", gt.Lit("iris.csv"))
	s.Assign(3, "train_df", gt.Method(gt.Ref("pd"), "read_csv", gt.Ref("url1")))
	s.Assign(4, "mod", gt.Method(gt.Ref("train_df"), "fit"))
	s.Assign(5, "pred_df", gt.Method(gt.Ref("pd"), "read_csv", gt.Ref("url1")))
	s.Assign(6, "pred", gt.Method(gt.Ref("mod"), "predict", gt.Ref("pred_df")))
	s.Save("iris model", "mod")
	s.Save("iris_petal_length_pred", "pred")
	g, err := s.Graph()
	require.NoError(t, err)

	sa, err := NewSessionArtifacts(g, s.Artifacts)
	require.NoError(t, err)

	colls := sa.Collections()
	require.Len(t, colls, 3)
	assert.Equal(t, "get_url1_for_artifact_iris_model_and_downstream", colls[0].Name)
	assert.Equal(t, KindCommon, colls[0].Kind)
	assert.Equal(t, []string{"url1"}, colls[0].Returns)
	assert.Equal(t, "get_iris_model", colls[1].Name)
	assert.Equal(t, []string{"url1"}, colls[1].Parameters)
	assert.Equal(t, "get_iris_petal_length_pred", colls[2].Name)
	assert.Equal(t, []string{"mod", "url1"}, colls[2].Parameters)

	block := sa.CallBlock(4, false, nil)
	assert.Equal(t, "    url1 = get_url1_for_artifact_iris_model_and_downstream()\n"+
		"    mod = get_iris_model(url1)\n"+
		"    pred = get_iris_petal_length_pred(mod, url1)\n", block)
}

func TestSessionArtifacts_BlackBoxWrite(t *testing.T) {
	code := "total = 0\nfor i in range(3):\n    total += i\nresult = total * 2"
	s := gt.NewScript("s1", "loop.py", code)
	s.Assign(1, "total", gt.Lit(0))
	s.Loop(2, 3, []string{"total"}, []string{"total"})
	s.Assign(4, "result", gt.Call("*", gt.Ref("total"), gt.Lit(2)))
	s.Save("total", "total")
	s.Save("result", "result")
	g, err := s.Graph()
	require.NoError(t, err)

	sa, err := NewSessionArtifacts(g, s.Artifacts)
	require.NoError(t, err)

	colls := sa.Collections()
	require.Len(t, colls, 2)

	def, err := colls[0].FunctionDefinition(4)
	require.NoError(t, err)
	assert.Equal(t, "def get_total():\n    total = 0\n    for i in range(3):\n        total += i\n    return total\n", def)

	def, err = colls[1].FunctionDefinition(4)
	require.NoError(t, err)
	assert.Equal(t, "def get_result(total):\n    result = total * 2\n    return result\n", def)
}

func TestSessionArtifacts_BlackBoxWritesTwoArtifacts(t *testing.T) {
	code := "x = 0\ny = 0\nfor i in range(3):\n    x += i\n    y += 2 * i"
	s := gt.NewScript("s1", "pair.py", code)
	s.Assign(1, "x", gt.Lit(0))
	s.Assign(2, "y", gt.Lit(0))
	s.Loop(3, 5, []string{"x", "y"}, []string{"x", "y"})
	s.Save("x", "x")
	s.Save("y", "y")
	g, err := s.Graph()
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sa, err := NewSessionArtifacts(g, s.Artifacts, WithLogger(logger))
	require.NoError(t, err)

	colls := sa.Collections()
	require.Len(t, colls, 3)
	assert.Equal(t, KindCommon, colls[0].Kind)
	assert.Equal(t, []string{"x", "y"}, colls[0].Returns)
	assert.True(t, colls[1].Reused())
	assert.True(t, colls[2].Reused())

	got, err := sa.GenerateCode(false, 4)
	require.NoError(t, err)
	expected := `import copy

def get_x_y_for_artifact_x_and_downstream():
    x = 0
    y = 0
    for i in range(3):
        x += i
        y += 2 * i
    return x, y

def pipeline():
    sessionartifacts = []
    x, y = get_x_y_for_artifact_x_and_downstream()
    sessionartifacts.append(copy.deepcopy(x))
    sessionartifacts.append(copy.deepcopy(y))
    return sessionartifacts

if __name__ == "__main__":
    pipeline()
`
	assert.Equal(t, expected, got)
	assert.NotContains(t, buf.String(), "without a variable name")
}

func TestSessionArtifacts_SameNodeTwice(t *testing.T) {
	s, g := increments(t)
	alias := s.Artifact("c")
	alias.Name = "c copy"

	sa, err := NewSessionArtifacts(g, []graph.Artifact{s.Artifact("c"), alias})
	require.NoError(t, err)

	colls := sa.Collections()
	require.Len(t, colls, 2)
	assert.False(t, colls[0].Reused())
	assert.True(t, colls[1].Reused())

	defs, err := sa.FunctionDefinitions(4)
	require.NoError(t, err)
	assert.NotContains(t, defs, "get_c_copy")

	block := sa.CallBlock(4, false, AppendTo("out"))
	assert.Equal(t, "    c = get_c()\n    out.append(copy.deepcopy(c))\n    out.append(copy.deepcopy(c))\n", block)
}

func TestNewSessionArtifacts_Errors(t *testing.T) {
	s, g := increments(t)

	t.Run("Empty selection", func(t *testing.T) {
		_, err := NewSessionArtifacts(g, nil)
		assert.ErrorIs(t, err, graph.ErrInvalidSelector)
	})

	t.Run("Mixed sessions", func(t *testing.T) {
		other := s.Artifact("h")
		other.SessionID = "s2"
		_, err := NewSessionArtifacts(g, []graph.Artifact{s.Artifact("c"), other})
		assert.ErrorIs(t, err, graph.ErrSessionMismatch)
	})

	t.Run("Graph of another session", func(t *testing.T) {
		other := s.Artifact("h")
		other.SessionID = "s2"
		_, err := NewSessionArtifacts(g, []graph.Artifact{other})
		assert.ErrorIs(t, err, graph.ErrSessionMismatch)
	})

	t.Run("Duplicate name", func(t *testing.T) {
		_, err := NewSessionArtifacts(g, pick(s, "c", "h", "c"))
		assert.ErrorIs(t, err, graph.ErrDuplicate)
	})

	t.Run("Function name clash", func(t *testing.T) {
		first := s.Artifact("c")
		first.Name = "my model"
		second := s.Artifact("h")
		second.Name = "my_model"
		_, err := NewSessionArtifacts(g, []graph.Artifact{first, second})
		assert.ErrorIs(t, err, graph.ErrDuplicate)
	})

	t.Run("Unknown node", func(t *testing.T) {
		missing := s.Artifact("h")
		missing.NodeID = "nope"
		_, err := NewSessionArtifacts(g, []graph.Artifact{missing})
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("Unbound expression", func(t *testing.T) {
		lookup := s.Artifact("h")
		lookup.NodeID = g.Nodes()[0].ID()
		_, err := NewSessionArtifacts(g, []graph.Artifact{lookup})
		assert.ErrorIs(t, err, graph.ErrInvalidSelector)
	})
}

func TestSessionArtifacts_ExpressionArtifact(t *testing.T) {
	code := "x = 1\ny = x + 1"
	s := gt.NewScript("s1", "expr.py", code)
	s.Assign(1, "x", gt.Lit(1))
	y := s.Assign(2, "y", gt.Call("+", gt.Ref("x"), gt.Lit(1)))
	g, err := s.Graph()
	require.NoError(t, err)

	node, err := g.GetNode(y)
	require.NoError(t, err)
	call := node.(*graph.VariableNode).SourceNodeID

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sa, err := NewSessionArtifacts(g, []graph.Artifact{{Name: "y", Version: 1, NodeID: call, SessionID: "s1"}}, WithLogger(logger))
	require.NoError(t, err)

	require.Len(t, sa.Collections(), 1)
	assert.Equal(t, "y", sa.Collections()[0].Variable)
	assert.Contains(t, buf.String(), "partitioned session artifacts")
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "iris_model", SafeName("iris model"))
	assert.Equal(t, "a_b_c", SafeName("a-b.c"))
	assert.Equal(t, "_2nd", SafeName("2nd"))
	assert.Equal(t, "_", SafeName(""))
}
