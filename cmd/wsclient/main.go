package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit mono PCM)")
	serverURL := flag.String("server", "ws://localhost:8080/ws/transcribe", "WebSocket endpoint")
	clientID := flag.String("client", "wsclient-"+time.Now().Format("150405"), "Client ID")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 || bitsPerSample != 16 {
		log.Fatal("Only 16-bit PCM supported")
	}
	if numChannels != 1 {
		log.Printf("Warning: %d channels, server expects mono", numChannels)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL+"?client_id="+*clientID, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s as %s", *serverURL, *clientID)

	// Print every server event as it arrives.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev map[string]any
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			line, _ := json.Marshal(ev)
			fmt.Println(string(line))
			if ev["type"] == "recording_stopped" {
				return
			}
		}
	}()

	if sampleRate != 16000 {
		configure := fmt.Sprintf(`{"type":"configure","sample_rate":%d}`, sampleRate)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(configure)); err != nil {
			log.Fatalf("Failed to send configure: %v", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start_recording"}`)); err != nil {
		log.Fatalf("Failed to send start_recording: %v", err)
	}

	// 100ms of 16-bit mono audio at the file's sample rate.
	chunkSize := int(sampleRate) / 10 * 2
	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(audioChunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)

		if err := conn.WriteMessage(websocket.BinaryMessage, audioChunk[:n]); err != nil {
			log.Fatalf("Failed to send chunk: %v", err)
		}

		if chunkNum%50 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		// Simulate real-time streaming
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}

	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, time.Since(startTime))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop_recording"}`)); err != nil {
		log.Fatalf("Failed to send stop_recording: %v", err)
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for final transcript")
	}
}
