package tmpl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	vars := Vars{"project_name": "cicd_odoo_dev", "port": "8069", "db.host": "pg1"}
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"single", "PROJECT={project_name}", "PROJECT=cicd_odoo_dev"},
		{"adjacent", "{project_name}:{port}", "cicd_odoo_dev:8069"},
		{"dotted", "host={db.host}", "host=pg1"},
		{"escaped", "{{project_name}} = {project_name}", "{project_name} = cicd_odoo_dev"},
		{"json kept", `{"a": 1}`, `{"a": 1}`},
		{"unterminated", "open { brace", "open { brace"},
		{"empty braces", "{}", "{}"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Render(c.in, vars)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestRenderUnknownVariable(t *testing.T) {
	_, err := Render("{a} {__import__} {b}", Vars{"a": "1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownVariable))
	assert.Contains(t, err.Error(), "__import__, b")
}

func TestRenderDoesNotEvaluateValues(t *testing.T) {
	got, err := Render("{x}", Vars{"x": "{y}"})
	require.NoError(t, err)
	assert.Equal(t, "{y}", got)
}

func TestMerge(t *testing.T) {
	base := Vars{"a": "1", "b": "2"}
	res := base.Merge(Vars{"b": "3"})
	assert.Equal(t, Vars{"a": "1", "b": "3"}, res)
	assert.Equal(t, "2", base["b"])
}
