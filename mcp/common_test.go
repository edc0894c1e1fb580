package mcp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSafeAssertFunctions tests all SafeAssert utility functions
func TestSafeAssertFunctions(t *testing.T) {
	t.Run("SafeAssertString", func(t *testing.T) {
		assert.Equal(t, "test", SafeAssertString("test", "default"))
		assert.Equal(t, "default", SafeAssertString(nil, "default"))
		assert.Equal(t, "42", SafeAssertString(42, "default"))
	})

	t.Run("SafeAssertInt", func(t *testing.T) {
		assert.Equal(t, 42, SafeAssertInt(42, 0))
		assert.Equal(t, 42, SafeAssertInt(42.0, 0))
		assert.Equal(t, 0, SafeAssertInt(nil, 0))
		assert.Equal(t, 0, SafeAssertInt("invalid", 0))
	})

	t.Run("SafeAssertStringArray", func(t *testing.T) {
		// Valid array with mixed types
		result := SafeAssertStringArray([]any{"hello", "world", 42, nil, ""})
		assert.Equal(t, []string{"hello", "world", "42"}, result)

		// Empty array
		result = SafeAssertStringArray([]any{})
		assert.Empty(t, result)

		// Nil input
		result = SafeAssertStringArray(nil)
		assert.Nil(t, result)

		// Non-array input
		result = SafeAssertStringArray("not an array")
		assert.Nil(t, result)
	})
}

// TestValidateRequired tests parameter validation
func TestValidateRequired(t *testing.T) {
	t.Run("valid parameters", func(t *testing.T) {
		args := map[string]any{
			"param1": "value1",
			"param2": []string{"item1", "item2"},
		}
		assert.NoError(t, ValidateRequired(args, "param1", "param2"))
	})

	t.Run("missing parameters", func(t *testing.T) {
		args := map[string]any{"param1": "value1"}
		err := ValidateRequired(args, "param1", "missing")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("empty parameters", func(t *testing.T) {
		testCases := []struct {
			name  string
			value any
		}{
			{"empty string", ""},
			{"nil value", nil},
			{"empty []any", []any{}},
			{"empty []string", []string{}},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				args := map[string]any{"param": tc.value}
				err := ValidateRequired(args, "param")
				assert.Error(t, err)
			})
		}
	})
}

// TestPagination tests pagination functionality
func TestPagination(t *testing.T) {
	data := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	t.Run("ApplyPagination", func(t *testing.T) {
		testCases := []struct {
			name     string
			params   PaginationParams
			expected []int
		}{
			{"no pagination", PaginationParams{From: 0, Limit: 0}, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
			{"from start with limit", PaginationParams{From: 0, Limit: 3}, []int{0, 1, 2}},
			{"from middle with limit", PaginationParams{From: 3, Limit: 4}, []int{3, 4, 5, 6}},
			{"from only no limit", PaginationParams{From: 5, Limit: 0}, []int{5, 6, 7, 8, 9}},
			{"beyond bounds", PaginationParams{From: 15, Limit: 5}, []int{}},
			{"negative from", PaginationParams{From: -5, Limit: 3}, []int{0, 1, 2}},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				result := ApplyPagination(data, tc.params)
				assert.Equal(t, tc.expected, result)
			})
		}
	})

	t.Run("ParsePaginationParams", func(t *testing.T) {
		args := map[string]any{"from": 10, "limit": 50}
		params := ParsePaginationParams(args)
		assert.Equal(t, 10, params.From)
		assert.Equal(t, 50, params.Limit)
	})
}

// TestToolExclusion tests tool exclusion logic
func TestToolExclusion(t *testing.T) {
	t.Run("parseExcludedTools", func(t *testing.T) {
		testCases := []struct {
			input    string
			expected map[string]bool
		}{
			{"", map[string]bool{}},
			{"get_futures", map[string]bool{"get_futures": true}},
			{"get_futures,get_top_movers", map[string]bool{"get_futures": true, "get_top_movers": true}},
			{" get_futures , get_top_movers ", map[string]bool{"get_futures": true, "get_top_movers": true}},
			{"get_futures,,get_top_movers", map[string]bool{"get_futures": true, "get_top_movers": true}},
		}

		for _, tc := range testCases {
			result := parseExcludedTools(tc.input)
			assert.Equal(t, tc.expected, result)
		}
	})

	t.Run("filterTools", func(t *testing.T) {
		allTools := GetAllTools()

		// No exclusions
		filtered, registered, excluded := filterTools(allTools, map[string]bool{})
		assert.Equal(t, len(allTools), registered)
		assert.Equal(t, 0, excluded)
		assert.Len(t, filtered, len(allTools))

		// Exclude some tools
		excludedSet := map[string]bool{"get_futures": true, "get_top_movers": true}
		filtered, registered, excluded = filterTools(allTools, excludedSet)
		assert.Equal(t, len(allTools)-2, registered)
		assert.Equal(t, 2, excluded)
		assert.Len(t, filtered, len(allTools)-2)

		// Verify excluded tools not in filtered list
		filteredNames := make(map[string]bool)
		for _, tool := range filtered {
			filteredNames[tool.Tool().Name] = true
		}
		assert.False(t, filteredNames["get_futures"])
		assert.False(t, filteredNames["get_top_movers"])
	})

	t.Run("GetAllTools integrity", func(t *testing.T) {
		allTools := GetAllTools()
		assert.Len(t, allTools, 5)

		// Check for duplicates and essential tools
		toolNames := make(map[string]bool)
		for _, tool := range allTools {
			assert.NotNil(t, tool)
			name := tool.Tool().Name
			assert.NotEmpty(t, name)
			assert.False(t, toolNames[name], "Duplicate tool: %s", name)
			toolNames[name] = true
		}

		// Verify essential tools exist
		essential := []string{"get_market_status", "get_market_snapshot", "get_option_chain", "get_futures", "get_top_movers"}
		for _, toolName := range essential {
			assert.True(t, toolNames[toolName], "Essential tool missing: %s", toolName)
		}
	})
}

func TestReadOnlyAnnotations(t *testing.T) {
	for _, tool := range GetAllTools() {
		ann := readOnly(tool.Tool()).Annotations
		name := tool.Tool().Name
		require.NotNil(t, ann.ReadOnlyHint, name)
		assert.True(t, *ann.ReadOnlyHint, name)
		require.NotNil(t, ann.DestructiveHint, name)
		assert.False(t, *ann.DestructiveHint, name)
		require.NotNil(t, ann.IdempotentHint, name)
		assert.True(t, *ann.IdempotentHint, name)
	}
}

// TestRaceConditions tests thread safety
func TestRaceConditions(t *testing.T) {
	t.Run("SafeAssert functions", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = SafeAssertString("test", "default")
				_ = SafeAssertInt(42, 0)
			}()
		}
		wg.Wait()
	})

	t.Run("pagination functions", func(t *testing.T) {
		data := []int{1, 2, 3, 4, 5}
		params := PaginationParams{From: 1, Limit: 2}

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = ApplyPagination(data, params)
				_ = ParsePaginationParams(map[string]any{"from": 1, "limit": 2})
			}()
		}
		wg.Wait()
	})
}
