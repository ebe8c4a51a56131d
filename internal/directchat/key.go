package directchat

import "fmt"

// ChannelKey derives the storage key for a 1:1 conversation between two
// participants. The key is symmetric: both sides compute the same key no
// matter which of them is "self", which is what lets two independent
// contexts converge on the same stored history without a server.
func ChannelKey(a, b int64) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("chat_%d_%d", a, b)
}
