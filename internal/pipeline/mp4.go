package pipeline

import (
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"
)

// 90kHz timescale (standard for video)
const mp4Timescale = 90000

// writeMJPEGVideo muxes JPEG frames into a fragmented MP4 at the given
// output frame rate. The track carries a "jpeg" visual sample entry and
// every sample is a sync sample, so any frame is a seek point. The file is
// written to a temp path and renamed so readers never see a partial MP4.
func writeMJPEGVideo(path string, frames [][]byte, fps float64, width, height int) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to mux")
	}
	if fps <= 0 {
		fps = 1
	}

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(mp4Timescale, "video", "und")
	stsd := init.Moov.Trak.Mdia.Minf.Stbl.Stsd
	stsd.AddChild(mp4.CreateVisualSampleEntryBox("jpeg", uint16(width), uint16(height), nil))

	frag, err := mp4.CreateFragment(1, 1)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}

	sampleDur := uint32(float64(mp4Timescale) / fps)
	var decodeTime uint64
	for _, data := range frames {
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: mp4.SyncSampleFlags,
				Dur:   sampleDur,
				Size:  uint32(len(data)),
			},
			DecodeTime: decodeTime,
			Data:       data,
		})
		decodeTime += uint64(sampleDur)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := init.Encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode init segment: %w", err)
	}
	if err := frag.Encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode fragment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
