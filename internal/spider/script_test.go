package spider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlpipe/internal/model"
)

const sampleSpiderSource = `
spider = {}

function spider.start_requests()
	return {
		{ url = "https://example.com/list", callback = "parse", dont_filter = true },
	}
end

spider.callbacks = {
	parse = function(req, resp)
		return {
			{ type = "article", source_id = "1", source_url = resp.url, title = "hello", content = "world" },
		}
	end,
}

function spider.custom_setting()
	return { CONCURRENT_REQUESTS = 4 }
end
`

func TestLoadScripted_BasicLifecycle(t *testing.T) {
	sp, err := LoadScripted("test_spider", sampleSpiderSource)
	require.NoError(t, err)
	defer sp.Close()

	assert.Equal(t, 4, sp.Concurrency)

	it := sp.StartRequests()
	req, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "https://example.com/list", req.URL)
	assert.Equal(t, "parse", req.Callback)

	_, ok = it.Next()
	assert.False(t, ok)

	callback, ok := sp.Callbacks["parse"]
	require.True(t, ok)

	results, err := callback(req, &model.Response{URL: req.URL, Body: []byte("<html></html>")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Item)
	assert.Equal(t, model.ItemTypeArticle, results[0].Item.Type)
	assert.Equal(t, "hello", results[0].Item.Title)
}

func TestLoadScripted_MissingSpiderTableErrors(t *testing.T) {
	_, err := LoadScripted("broken", "x = 1")
	assert.Error(t, err)
}
