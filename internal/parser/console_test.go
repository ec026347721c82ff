package parser

import "testing"

func TestLooksLikeDeviceOutput(t *testing.T) {
	device := []string{
		"\r\n<R1>",
		"Error: Unrecognized command found at '^' position.\r\n",
		"\xff\xfb\x01\xff\xfb\x03\r\n\r\nLogin authentication\r\n\r\nUsername:",
		"  ---- More ----",
		"interface GigabitEthernet0/0/0\r\n[R1-GigabitEthernet0/0/0]",
		"\r\nRouter#",
	}
	for _, s := range device {
		if !LooksLikeDeviceOutput([]byte(s)) {
			t.Errorf("Expected %q to look like device output", s)
		}
	}
}

func TestLooksLikeClientInput(t *testing.T) {
	client := []string{
		"d",
		"display version\r\n",
		"\r\n",
		"\xff\xfd\x01",
		"#",
	}
	for _, s := range client {
		if LooksLikeDeviceOutput([]byte(s)) {
			t.Errorf("Expected %q not to look like device output", s)
		}
	}
}
