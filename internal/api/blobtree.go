package api

import (
	"encoding/json"

	"github.com/revere-nvr/engine/internal/storagefile"
)

// blobTreeFrame is one leaf of the blob tree wire-format frame array.
type blobTreeFrame struct {
	StreamID string `json:"stream_id"`
	Key      string `json:"key"`
	Ts       int64  `json:"ts"`
	Data     []byte `json:"data"`
}

// blobTreeWire is the tagged, versioned, self-describing tree served by
// /video and /key_frame under application/vnd.revere.blobtree.v1.
type blobTreeWire struct {
	Version              int             `json:"version"`
	HasAudio             bool            `json:"has_audio"`
	VideoCodecName       string          `json:"video_codec_name"`
	VideoCodecParameters []byte          `json:"video_codec_parameters"`
	AudioCodecName       string          `json:"audio_codec_name,omitempty"`
	AudioCodecParameters []byte          `json:"audio_codec_parameters,omitempty"`
	Frames               []blobTreeFrame `json:"frames"`
}

const blobTreeVersion = 1

func encodeBlobTree(tree *storagefile.BlobTree) []byte {
	wire := blobTreeWire{
		Version:              blobTreeVersion,
		HasAudio:             tree.HasAudio,
		VideoCodecName:       tree.VideoCodecName,
		VideoCodecParameters: tree.VideoCodecParams,
		AudioCodecName:       tree.AudioCodecName,
		AudioCodecParameters: tree.AudioCodecParams,
		Frames:               make([]blobTreeFrame, 0, len(tree.Frames)),
	}
	for _, f := range tree.Frames {
		key := "false"
		if f.Key {
			key = "true"
		}
		wire.Frames = append(wire.Frames, blobTreeFrame{
			StreamID: f.StreamTag,
			Key:      key,
			Ts:       f.TsMs,
			Data:     f.Data,
		})
	}
	data, _ := json.Marshal(wire)
	return data
}
