// Command fwctl is the host-side operator tool for the firmware update
// subsystem: an authenticated telnet client for the device's debug console,
// plus a serve-tftp subcommand that stands in for the vendor TFTP server
// during end-to-end testing against a running device.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

const (
	defaultPort    = "23"
	defaultTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
)

func main() {
	loadEnvFile()

	host := flag.String("host", "", "Device IP address (required unless serve-tftp)")
	port := flag.String("port", defaultPort, "Console port")
	cmd := flag.String("cmd", "", "Single command to execute (interactive mode if empty)")
	password := flag.String("password", "", "Console password (or use FWUPDATE_PASSWORD env var)")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "serve-tftp" {
		if err := runServeTFTP(flag.Args()[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve-tftp: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *host == "" {
		if flag.NArg() > 0 {
			*host = flag.Arg(0)
		} else {
			printUsage()
			os.Exit(1)
		}
	}

	if *cmd == "" && flag.NArg() > 1 {
		*cmd = flag.Arg(1)
	}

	pass := getPassword(*password)
	addr := net.JoinHostPort(*host, *port)

	if *cmd != "" {
		if err := runCommand(addr, *cmd, pass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := interactive(addr, pass); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("fwctl")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  fwctl <ip> [command]")
	fmt.Println("  fwctl -host <ip> [-cmd <command>] [-password <pw>]")
	fmt.Println("  fwctl serve-tftp -image <firmware.bin> [-listen :69]")
	fmt.Println()
	fmt.Println("Authentication:")
	fmt.Println("  Password can be provided via:")
	fmt.Println("    -password flag")
	fmt.Println("    FWUPDATE_PASSWORD environment variable")
	fmt.Println("    .env file (FWUPDATE_PASSWORD=...)")
	fmt.Println("    Interactive prompt")
	fmt.Println()
	fmt.Println("Console Commands:")
	fmt.Println("  help, status, version, flash-state, check-now, telemetry, telemetry-flush, ntp, reboot")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  fwctl 192.168.1.50                      # Interactive mode")
	fmt.Println("  fwctl 192.168.1.50 status                # Single command")
	fmt.Println("  fwctl -password secret 192.168.1.50 status")
	fmt.Println("  fwctl serve-tftp -image build/app.bin    # Serve a staged image for download testing")
}

// runCommand executes a single command and prints the response.
func runCommand(addr, cmd, password string) error {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	consumeUntilPrompt(conn)

	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 4096)
	n, _ := conn.Read(response)

	output := strings.TrimSpace(strings.TrimSuffix(string(response[:n]), "> "))
	fmt.Println(output)
	return nil
}

// interactive runs an interactive session with the device console.
func interactive(addr, password string) error {
	fmt.Printf("Connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}

	fmt.Println("Connected! Type 'quit' or Ctrl+C to exit.")
	fmt.Println()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	welcome := make([]byte, 1024)
	n, _ := conn.Read(welcome)
	fmt.Print(string(welcome[:n]))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if _, err := conn.Write([]byte(input + "\r\n")); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		response := make([]byte, 4096)
		n, err := conn.Read(response)
		if err != nil {
			fmt.Println("Connection lost, reconnecting...")
			conn.Close()
			conn, err = net.DialTimeout("tcp", addr, defaultTimeout)
			if err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			if err := authenticate(conn, password); err != nil {
				return fmt.Errorf("reconnect auth failed: %w", err)
			}
			consumeUntilPrompt(conn)
			continue
		}

		output := strings.TrimSpace(strings.TrimSuffix(string(response[:n]), "> "))
		if output != "" {
			fmt.Println(output)
		}
	}

	return nil
}

// loadEnvFile loads environment variables from a .env file in the current
// directory, without overriding anything already set.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// getPassword resolves password from flag, env var, or interactive prompt.
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPass := os.Getenv("FWUPDATE_PASSWORD"); envPass != "" {
		return envPass
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}
	return ""
}

// authenticate handles password authentication after connecting.
func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	prompt := make([]byte, 64)
	n, err := conn.Read(prompt)
	if err != nil {
		return fmt.Errorf("read prompt failed: %w", err)
	}

	promptStr := string(stripTelnetIAC(prompt[:n]))
	if !strings.Contains(strings.ToLower(promptStr), "password") {
		return fmt.Errorf("unexpected prompt: %s", promptStr)
	}

	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}
	return nil
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences.
// IAC = 0xFF, followed by a command byte and, for WILL/WONT/DO/DONT, an
// option byte.
func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			result = append(result, data[i])
			i++
		}
	}
	return result
}

// consumeUntilPrompt reads until the "> " prompt appears or times out, so
// welcome-banner text doesn't leak into the next command's output.
func consumeUntilPrompt(conn net.Conn) {
	buf := make([]byte, 256)
	accumulated := ""
	deadline := time.Now().Add(readTimeout)

	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated += string(stripTelnetIAC(buf[:n]))
			if strings.Contains(accumulated, "> ") {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
