package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Whisper transcribes raw PCM16 mono audio with the OpenAI speech API.
type Whisper struct {
	client     openai.Client
	model      openai.AudioModel
	sampleRate int
}

func NewWhisper(apiKey, model string, sampleRate int, opts ...option.RequestOption) *Whisper {
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Whisper{
		client:     openai.NewClient(opts...),
		model:      openai.AudioModel(model),
		sampleRate: sampleRate,
	}
}

func (w *Whisper) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	res, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav(pcm, w.sampleRate)), "speech.wav", "audio/wav"),
		Model: w.model,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return res.Text, nil
}

// wav prefixes PCM16 mono samples with a canonical 44-byte RIFF header.
func wav(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	var b bytes.Buffer
	b.Grow(44 + len(pcm))
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	_ = binary.Write(&b, binary.LittleEndian, uint16(bitsPerSample))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}
