package importer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- AutoDetect Tests ----

func TestAutoDetect(t *testing.T) {
	def := testInstructor()

	tests := []struct {
		header string
		want   Field
	}{
		{"First Name", "First Name"},
		{"FNAME", "First Name"},
		{"Surname", "Last Name"},
		{"Teacher Name", "Full Name"},
		{"Phone", "Mobile"},
		{"E-mail", "Email"},
		{"Sex", "Gender"},
		// birth wins over name because dates are tried first
		{"Name Date of Birth", "Date of Birth"},
		{"DOJ", "Date of Joining"},
		{"Remarks", ""},
		{"", ""},
	}

	headers := make([]string, len(tests))
	for i, tt := range tests {
		headers[i] = tt.header
	}

	mappings := AutoDetect(def, headers)
	require.Len(t, mappings, len(tests))

	for i, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			m := mappings[i]
			assert.Equal(t, i, m.ColumnIndex)
			assert.Equal(t, tt.header, m.Header)
			assert.Equal(t, tt.want, m.Field)
		})
	}

	assert.Equal(t, "A", mappings[0].Column)
	assert.Equal(t, "J", mappings[9].Column)
}

func TestAutoDetect_DeclarationOrderAfterDetection(t *testing.T) {
	def := testInstructor()

	// "first name" contains both "first" and "name"; First Name is declared
	// before Full Name so it wins.
	mappings := AutoDetect(def, []string{"first name"})
	assert.Equal(t, Field("First Name"), mappings[0].Field)
}

// ---- SetMapping Tests ----

func TestSetMapping(t *testing.T) {
	def := testInstructor()
	mappings := AutoDetect(def, []string{"First", "Remarks"})

	t.Run("binds a column", func(t *testing.T) {
		out, err := SetMapping(def, mappings, 1, "Email")
		require.NoError(t, err)
		assert.Equal(t, Field("Email"), out[1].Field)
		// input untouched
		assert.Equal(t, Field(""), mappings[1].Field)
	})

	t.Run("clears a column", func(t *testing.T) {
		out, err := SetMapping(def, mappings, 0, "")
		require.NoError(t, err)
		assert.Equal(t, Field(""), out[0].Field)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := SetMapping(def, mappings, 0, "Shoe Size")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownField))
	})

	t.Run("column out of range", func(t *testing.T) {
		_, err := SetMapping(def, mappings, 5, "Email")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "column not found")

		_, err = SetMapping(def, mappings, -1, "Email")
		require.Error(t, err)
	})
}

// ---- Duplicate Resolution Tests ----

func TestAuthoritative_LowestIndexWins(t *testing.T) {
	mappings := []ColumnMapping{
		{ColumnIndex: 2, Column: "C", Header: "Mail 2", Field: "Email"},
		{ColumnIndex: 0, Column: "A", Header: "Mail 1", Field: "Email"},
		{ColumnIndex: 1, Column: "B", Header: "First", Field: "First Name"},
		{ColumnIndex: 3, Column: "D", Header: "Notes"},
	}

	auth := Authoritative(mappings)
	require.Len(t, auth, 2)
	assert.Equal(t, "Mail 1", auth["Email"].Header)
	assert.Equal(t, "First", auth["First Name"].Header)

	dups := Duplicates(mappings)
	assert.Equal(t, map[Field][]string{"Email": {"C"}}, dups)
}

func TestMissingRequired(t *testing.T) {
	def := testInstructor()

	mappings := AutoDetect(def, []string{"First Name", "Last Name", "Mobile", "Email", "Gender", "DOB"})
	assert.Equal(t, []Field{"Date of Joining"}, MissingRequired(def, mappings))

	mappings = AutoDetect(def, []string{"First Name", "Last Name", "Mobile", "Email", "Gender", "DOB", "DOJ"})
	assert.Empty(t, MissingRequired(def, mappings))
}
