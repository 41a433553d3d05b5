package file

// Test network configuration constants.
const (
	testIP       = "127.0.0.1"
	testPort     = 33445
	testPeerPort = 33446
)

// Common test identifiers.
const (
	testFriendID  = 7
	testFileName  = "report.pdf"
	testFileSize  = 10
	testChunkSize = 4
)

var testFileID = FileID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}

// testPayload returns n bytes with distinct values.
func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}
