package gateway

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranscodeArgsMPEGTS(t *testing.T) {
	args := transcodeArgs("rtsp://cam.local/stream", VariantMPEGTS, "")

	assert.Contains(t, args, "rtsp://cam.local/stream")
	assert.Equal(t, "pipe:1", args[len(args)-1])

	joined := map[string]string{}
	for i := 0; i+1 < len(args); i++ {
		if strings.HasPrefix(args[i], "-") && !strings.HasPrefix(args[i+1], "-") {
			joined[args[i]] = args[i+1]
		}
	}
	assert.Equal(t, "tcp", joined["-rtsp_transport"])
	assert.Equal(t, "1280x720", joined["-s"])
	assert.Equal(t, "25", joined["-r"])
	assert.Equal(t, "1000k", joined["-b:v"])
	assert.Equal(t, "0", joined["-bf"])
	assert.Equal(t, "ultrafast", joined["-preset"])
	assert.Equal(t, "zerolatency", joined["-tune"])
	assert.Equal(t, "mpegts", joined["-f"])
	assert.Contains(t, args, "-an")
}

func TestTranscodeArgsHLS(t *testing.T) {
	args := transcodeArgs("rtsp://cam.local/stream", VariantHLS, "/tmp/hls/CCTV_01")

	assert.Equal(t, filepath.Join("/tmp/hls/CCTV_01", "index.m3u8"), args[len(args)-1])
	assert.Contains(t, args, "-hls_time")
	assert.Contains(t, args, "2")
	assert.Contains(t, args, "-hls_list_size")
	assert.Contains(t, args, "5")
	assert.Contains(t, args, "delete_segments")
}
