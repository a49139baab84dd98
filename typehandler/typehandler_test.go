package typehandler

import (
	"reflect"
	"testing"
	"time"

	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prefs struct {
	Theme string `json:"theme"`
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()

	h, err := r.Resolve("", reflect.TypeOf(uuid.UUID{}))
	require.NoError(t, err)
	assert.Equal(t, UUID, h)

	h, err = r.Resolve("", reflect.TypeOf(&uuid.UUID{}))
	require.NoError(t, err)
	assert.Equal(t, UUID, h)

	h, err = r.Resolve("json", reflect.TypeOf(0))
	require.NoError(t, err)
	assert.Equal(t, JSON, h)

	assert.Equal(t, Default, r.ForType(reflect.TypeOf("")))

	_, err = r.Resolve("money", nil)
	assert.True(t, errs.IsConfiguration(err))

	custom := Funcs{ParameterFunc: func(v any) (any, error) { return "x", nil }}
	r.Register("x", custom)
	h, ok := r.Lookup("x")
	require.True(t, ok)
	p, err := h.Parameter(1)
	require.NoError(t, err)
	assert.Equal(t, "x", p)
}

func TestDefaultHandler(t *testing.T) {
	v, err := Default.Result(int64(4), reflect.TypeOf(int16(0)))
	require.NoError(t, err)
	assert.Equal(t, int16(4), v)

	v, err = Default.Result([]byte("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), v)
}

func TestJSONHandler(t *testing.T) {
	p, err := JSON.Parameter(prefs{Theme: "dark"})
	require.NoError(t, err)
	assert.Equal(t, `{"theme":"dark"}`, p)

	v, err := JSON.Result([]byte(`{"theme":"light"}`), reflect.TypeOf(prefs{}))
	require.NoError(t, err)
	assert.Equal(t, prefs{Theme: "light"}, v)

	v, err = JSON.Result(`[1,2]`, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, v)
}

func TestUUIDHandler(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	p, err := UUID.Parameter(id)
	require.NoError(t, err)
	assert.Equal(t, id.String(), p)

	v, err := UUID.Result(id.String(), reflect.TypeOf(uuid.UUID{}))
	require.NoError(t, err)
	assert.Equal(t, id, v)

	v, err = UUID.Result(id[:], reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, id.String(), v)

	_, err = UUID.Result("not-a-uuid", nil)
	assert.Error(t, err)
}

func TestULIDHandler(t *testing.T) {
	id := ulid.Make()
	p, err := ULID.Parameter(id)
	require.NoError(t, err)
	assert.Equal(t, id.String(), p)

	v, err := ULID.Result(id.String(), reflect.TypeOf(ulid.ULID{}))
	require.NoError(t, err)
	assert.Equal(t, id, v)
}

func TestUnixTimeHandler(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p, err := UnixTime.Parameter(at)
	require.NoError(t, err)
	assert.Equal(t, at.Unix(), p)

	v, err := UnixTime.Result(at.Unix(), reflect.TypeOf(time.Time{}))
	require.NoError(t, err)
	assert.True(t, at.Equal(v.(time.Time)))
}
