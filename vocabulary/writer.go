package vocabulary

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Write writes the user words of the vocabulary in the given format. Special
// words that were inserted automatically are omitted, so reading the output
// back yields an equivalent vocabulary. Class IDs are written relative to
// FirstNormalClassID.
func (v *Vocabulary) Write(w io.Writer, format Format) error {
	bw := bufio.NewWriter(w)
	switch format {
	case FormatWords:
		for _, word := range v.idToWord[v.FirstNormalWordID:] {
			fmt.Fprintln(bw, word)
		}
	case FormatClasses:
		for id := v.FirstNormalWordID; id < len(v.idToWord); id++ {
			fmt.Fprintf(bw, "%s\t%d\n", v.idToWord[id], v.wordIDToClassID[id]-v.FirstNormalClassID)
		}
	case FormatSRILMClasses:
		for _, class := range v.classes[v.FirstNormalClassID:] {
			for i, wordID := range class.wordIDs {
				fmt.Fprintf(bw, "CLASS-%05d\t%s\t%s\n", class.ID-v.FirstNormalClassID,
					strconv.FormatFloat(class.probs[i], 'g', -1, 64), v.idToWord[wordID])
			}
		}
	default:
		return errors.Errorf("cannot write vocabulary in %s format", format)
	}
	return errors.Wrap(bw.Flush(), "write vocabulary")
}
