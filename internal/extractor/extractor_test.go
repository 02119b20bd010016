package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineModule = `import copy

import pandas as pd


def get_df():
    df = pd.read_csv("in.csv")
    return df


@cache
def get_n(df):
    n = len(df)
    return n


class Config:
    path = "in.csv"


def run_session_including_n():
    artifacts = dict()
    df = get_df()
    n = get_n(df)
    artifacts["n"] = copy.deepcopy(n)
    return artifacts


if __name__ == "__main__":
    run_session_including_n()
`

func TestCheckPython(t *testing.T) {
	ctx := context.Background()

	t.Run("Valid module", func(t *testing.T) {
		assert.NoError(t, CheckPython(ctx, pipelineModule))
	})

	t.Run("Empty", func(t *testing.T) {
		assert.NoError(t, CheckPython(ctx, ""))
	})

	t.Run("Broken parameter list", func(t *testing.T) {
		err := CheckPython(ctx, "a = 1\nb = 2\ndef f(:\n    pass\n")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSyntax)

		var se *SyntaxError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, 3, se.Line)
	})

	t.Run("Unclosed call", func(t *testing.T) {
		err := CheckPython(ctx, "x = print(1\n")
		assert.ErrorIs(t, err, ErrSyntax)
	})
}

func TestDefinitions(t *testing.T) {
	defs, err := Definitions(context.Background(), pipelineModule)
	require.NoError(t, err)
	require.Len(t, defs, 4)

	byName := make(map[string]Definition)
	for _, d := range defs {
		byName[d.Name] = d
	}

	t.Run("Source order", func(t *testing.T) {
		var names []string
		for _, d := range defs {
			names = append(names, d.Name)
		}
		assert.Equal(t, []string{"get_df", "get_n", "Config", "run_session_including_n"}, names)
	})

	t.Run("Functions", func(t *testing.T) {
		d := byName["get_df"]
		assert.Equal(t, "function", d.Kind)
		assert.Equal(t, 6, d.StartLine)
		assert.GreaterOrEqual(t, d.EndLine, 8)
		assert.Equal(t, "def get_df():", d.Signature)
	})

	t.Run("Decorated", func(t *testing.T) {
		d := byName["get_n"]
		assert.Equal(t, "function", d.Kind)
		assert.Equal(t, 11, d.StartLine, "span starts at the decorator")
		assert.Equal(t, "def get_n(df):", d.Signature)
	})

	t.Run("Classes", func(t *testing.T) {
		assert.Equal(t, "class", byName["Config"].Kind)
	})

	names, err := FunctionNames(context.Background(), pipelineModule)
	require.NoError(t, err)
	assert.Equal(t, []string{"get_df", "get_n", "run_session_including_n"}, names)
}
