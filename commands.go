package main

import "bytes"

// Instruction identifies the operation carried by a robot frame.
type Instruction int8

const (
	InstrIdentify Instruction = iota
	InstrSessionStart
	InstrGetTime
	InstrUpdateOscillator
	InstrSendMotorData
	InstrSendIMUData
)

// InstrInvalid marks a frame that failed to parse or carried an
// instruction byte outside the known range.
const InstrInvalid Instruction = -1

func (i Instruction) String() string {
	switch i {
	case InstrIdentify:
		return "IDENTIFY"
	case InstrSessionStart:
		return "SESSION_START"
	case InstrGetTime:
		return "GET_TIME"
	case InstrUpdateOscillator:
		return "UPDATE_OSCILLATOR"
	case InstrSendMotorData:
		return "SEND_MOTOR_DATA"
	case InstrSendIMUData:
		return "SEND_IMU_DATA"
	default:
		return "INVALID"
	}
}

var (
	frameHeader = []byte("ED")
	frameFooter = []byte("MO")
)

// maxFrameBuffer bounds how much unterminated stream data the scanner
// holds before assuming the footer was lost and starting over.
const maxFrameBuffer = 4096

// Command is a parsed frame: one instruction byte plus its unescaped body.
type Command struct {
	Instruction Instruction
	Data        []byte
}

// Encode frames the command for the wire.
func (c Command) Encode() []byte {
	return EncodeFrame(c.Instruction, c.Data)
}

// EncodeFrame wraps an instruction and body in the frame sentinels.
// The body is escaped so it can never alias the header or footer;
// the instruction byte itself rides unescaped since no valid value
// collides with a sentinel pattern.
func EncodeFrame(instr Instruction, body []byte) []byte {
	escaped := escapeFrameBody(body)
	frame := make([]byte, 0, len(escaped)+5)
	frame = append(frame, frameHeader...)
	frame = append(frame, byte(instr))
	frame = append(frame, escaped...)
	frame = append(frame, frameFooter...)
	return frame
}

// TryParse decodes a framed packet. Anything without both sentinels,
// or too short to hold an instruction byte, comes back as InstrInvalid
// with an empty body. Unknown instruction bytes are sanitized to
// InstrInvalid but keep their body.
func TryParse(packet []byte) Command {
	if len(packet) < 5 || !bytes.HasPrefix(packet, frameHeader) || !bytes.HasSuffix(packet, frameFooter) {
		return Command{Instruction: InstrInvalid}
	}
	return Command{
		Instruction: sanitizeInstruction(packet[2]),
		Data:        unescapeFrameBody(packet[3 : len(packet)-2]),
	}
}

func sanitizeInstruction(b byte) Instruction {
	if b > byte(InstrSendIMUData) {
		return InstrInvalid
	}
	return Instruction(b)
}

// Escape order matters: backslashes first, then the sentinel pairs.
// Doing it the other way around would re-escape the inserted backslashes.
func escapeFrameBody(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte(`\`), []byte(`\\`))
	data = bytes.ReplaceAll(data, []byte("ED"), []byte(`E\D`))
	data = bytes.ReplaceAll(data, []byte("MO"), []byte(`M\O`))
	return data
}

// unescapeFrameBody drops each backslash and emits the byte after it
// verbatim. A trailing backslash with nothing after it ends the body.
func unescapeFrameBody(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' {
			i++
			if i >= len(data) {
				break
			}
		}
		out = append(out, data[i])
	}
	return out
}

// FrameScanner reassembles frames from a byte stream. Serial reads
// arrive in arbitrary chunks, so partial frames sit buffered until the
// closing sentinel shows up.
type FrameScanner struct {
	buf []byte
}

// Push appends freshly read bytes and returns every complete frame
// found so far, sentinels included.
func (s *FrameScanner) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)
	var frames [][]byte
	for {
		start := bytes.Index(s.buf, frameHeader)
		if start < 0 {
			// Keep the last byte around in case a header got split
			// across two reads.
			if n := len(s.buf); n > 1 {
				s.buf = s.buf[n-1:]
			}
			return frames
		}
		end := bytes.Index(s.buf[start+2:], frameFooter)
		if end < 0 {
			s.buf = s.buf[start:]
			if len(s.buf) > maxFrameBuffer {
				s.buf = nil
			}
			return frames
		}
		stop := start + 2 + end + 2
		frames = append(frames, append([]byte(nil), s.buf[start:stop]...))
		s.buf = s.buf[stop:]
	}
}
