package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttrsRoundTrip(t *testing.T) {
	orig := Attrs{
		"team":     "platform",
		"replicas": 3,
		"enabled":  true,
		"tiers":    []any{"gold", "silver"},
		"contact":  Attrs{"email": "ops@example.com"},
	}

	raw, err := MarshalAttrs(orig)
	require.NoError(t, err)

	decoded, err := UnmarshalAttrs(raw)
	require.NoError(t, err)

	s, ok := decoded.String("team")
	assert.True(t, ok)
	assert.Equal(t, "platform", s)

	n, ok := decoded.Int("replicas")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	b, ok := decoded.Bool("enabled")
	assert.True(t, ok)
	assert.True(t, b)

	list, ok := decoded.List("tiers")
	assert.True(t, ok)
	assert.Len(t, list, 2)

	nested, ok := decoded.Map("contact")
	assert.True(t, ok)
	email, ok := nested.String("email")
	assert.True(t, ok)
	assert.Equal(t, "ops@example.com", email)
}

func TestUnmarshalAttrs_EmptyIsNonNil(t *testing.T) {
	a, err := UnmarshalAttrs(nil)
	require.NoError(t, err)
	assert.NotNil(t, a)
	assert.Empty(t, a)
}

func TestPutApplication_RejectsNoHostnames(t *testing.T) {
	s := NewStore(nil)
	err := s.PutApplication(context.Background(), &Application{Name: "svc.example.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidApplication))
}

func TestWeekdayFromTime(t *testing.T) {
	assert.Equal(t, Mon, WeekdayFromTime(1))
	assert.Equal(t, Sun, WeekdayFromTime(0))
	assert.Equal(t, Sat, WeekdayFromTime(6))
}

func TestContainsWeekday(t *testing.T) {
	days := []Weekday{Mon, Tue, Wed, Thu, Fri}
	assert.True(t, ContainsWeekday(days, Wed))
	assert.False(t, ContainsWeekday(days, Sat))
}

func TestApplication_PrimaryHostname(t *testing.T) {
	app := &Application{Hostnames: []string{"svc.example.com", "alt.example.com"}}
	assert.Equal(t, "svc.example.com", app.PrimaryHostname())

	empty := &Application{}
	assert.Equal(t, "", empty.PrimaryHostname())
}
