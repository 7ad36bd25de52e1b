package aws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", contentType("clip_720p.mp4"))
	assert.Equal(t, "application/x-subrip", contentType("clip.srt"))
	assert.Equal(t, "image/jpeg", contentType("poster.jpg"))
	assert.Equal(t, "application/octet-stream", contentType("blob"))
}
