package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"openenterprise/fwupdate/crc32engine"
	"openenterprise/fwupdate/tftp"
)

const (
	defaultTFTPListen = ":6969"
	ackTimeout        = 5 * time.Second
	maxRetries        = 5
)

// runServeTFTP stands in for the vendor TFTP server during end-to-end
// testing: it answers one RRQ at a time with the named image, appending the
// big-endian CRC32 trailer the device's ImageReceiver expects in the image's
// final 4 payload bytes.
func runServeTFTP(args []string) error {
	fs := flag.NewFlagSet("serve-tftp", flag.ExitOnError)
	imagePath := fs.String("image", "", "Path to the raw firmware binary to serve (required)")
	listen := fs.String("listen", defaultTFTPListen, "UDP address to listen on")
	once := fs.Bool("once", false, "Serve a single transfer then exit")
	fs.Parse(args)

	if *imagePath == "" {
		return errors.New("-image is required")
	}

	raw, err := os.ReadFile(*imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	crc := crc32engine.Finalize(crc32engine.Update(crc32engine.Initial, raw))
	payload := make([]byte, len(raw)+4)
	copy(payload, raw)
	binary.BigEndian.PutUint32(payload[len(raw):], crc)

	addr, err := net.ResolveUDPAddr("udp", *listen)
	if err != nil {
		return fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	fmt.Printf("serve-tftp: serving %s (%d bytes, %d with trailer) on %s\n", *imagePath, len(raw), len(payload), conn.LocalAddr())

	for {
		remote, err := waitForRRQ(conn)
		if err != nil {
			return fmt.Errorf("wait for RRQ: %w", err)
		}
		fmt.Printf("serve-tftp: RRQ from %s\n", remote)

		if err := sendImage(conn, remote, payload); err != nil {
			fmt.Fprintf(os.Stderr, "serve-tftp: transfer to %s failed: %v\n", remote, err)
		} else {
			fmt.Printf("serve-tftp: transfer to %s complete\n", remote)
		}

		if *once {
			return nil
		}
	}
}

// waitForRRQ blocks until a TFTP read request arrives, and returns the
// requesting address. It ignores anything that doesn't parse as an RRQ.
func waitForRRQ(conn *net.UDPConn) (*net.UDPAddr, error) {
	buf := make([]byte, 512)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if n < 2 {
			continue
		}
		opcode := uint16(buf[0])<<8 | uint16(buf[1])
		if opcode != tftp.OpRRQ {
			continue
		}
		return remote, nil
	}
}

// sendImage streams payload to remote as a stop-and-wait TFTP DATA sequence,
// retransmitting a block on ACK timeout and giving up after maxRetries.
func sendImage(conn *net.UDPConn, remote *net.UDPAddr, payload []byte) error {
	block := uint16(1)
	offset := 0
	ackBuf := make([]byte, 4)

	for {
		end := offset + tftp.DataBlockSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]
		// A full 512-byte chunk is never terminal on its own, even when it
		// exhausts the payload: TFTP signals end-of-transfer with a datagram
		// shorter than a full block, so an exact multiple needs one trailing
		// zero-length block.
		terminal := len(chunk) < tftp.DataBlockSize
		datagram := buildDataBlock(block, chunk)

		acked := false
		for attempt := 0; attempt < maxRetries && !acked; attempt++ {
			if _, err := conn.WriteToUDP(datagram, remote); err != nil {
				return fmt.Errorf("send block %d: %w", block, err)
			}

			conn.SetReadDeadline(time.Now().Add(ackTimeout))
			n, from, err := conn.ReadFromUDP(ackBuf)
			conn.SetReadDeadline(time.Time{})
			if err != nil {
				continue // timeout or transient error: retransmit
			}
			if !from.IP.Equal(remote.IP) || n != 4 {
				continue
			}
			got := tftp.ACKCounter([4]byte{ackBuf[0], ackBuf[1], ackBuf[2], ackBuf[3]})
			if got == block {
				acked = true
			}
		}
		if !acked {
			return fmt.Errorf("block %d: no ACK after %d attempts", block, maxRetries)
		}

		if terminal {
			return nil
		}
		offset = end
		block++
	}
}

func buildDataBlock(block uint16, payload []byte) []byte {
	datagram := make([]byte, 4+len(payload))
	datagram[0] = byte(tftp.OpDATA >> 8)
	datagram[1] = byte(tftp.OpDATA)
	datagram[2] = byte(block >> 8)
	datagram[3] = byte(block)
	copy(datagram[4:], payload)
	return datagram
}
