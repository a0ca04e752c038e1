package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_FirstSeenIsNotDuplicate(t *testing.T) {
	f := New(1000)
	assert.False(t, f.SeenOrAdd("Breaking News Today"))
}

func TestFilter_SecondSeenIsDuplicate(t *testing.T) {
	f := New(1000)
	f.SeenOrAdd("Breaking News Today")
	assert.True(t, f.SeenOrAdd("Breaking News Today"))
}

func TestFilter_NormalizesCaseAndWhitespace(t *testing.T) {
	f := New(1000)
	f.SeenOrAdd("  Breaking News Today  ")
	assert.True(t, f.SeenOrAdd("breaking news today"))
}

func TestFilter_DistinctTitlesAreNotFlaggedTogether(t *testing.T) {
	f := New(1000)
	f.SeenOrAdd("Alpha Story")
	assert.False(t, f.SeenOrAdd("Beta Story"))
}
