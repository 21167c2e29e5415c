package knowledge

// Default chunking parameters, in characters.
const (
	ChunkSize    = 500
	ChunkOverlap = 50
)

// Chunk splits text into windows of size runes, each starting
// size-overlap runes after the previous one. Windows continue until a start
// passes the end, so the tail may repeat overlap already covered.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	r := []rune(text)
	var chunks []string
	for start := 0; start < len(r); start += size - overlap {
		end := start + size
		if end > len(r) {
			end = len(r)
		}
		chunks = append(chunks, string(r[start:end]))
	}
	return chunks
}
