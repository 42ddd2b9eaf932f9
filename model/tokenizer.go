package model

import (
	"errors"
	"fmt"

	"github.com/daulet/tokenizers"
	"github.com/gomlx/go-huggingface/hub"
)

// TokenizerFile is the serialized fast tokenizer in the model repository. It
// carries the normalizer, the unigram vocabulary and the post-processor that
// wraps every sequence in [CLS] ... [SEP].
const TokenizerFile = "tokenizer.json"

// EncodedInput is one tokenized sequence ready for the classifier.
type EncodedInput struct {
	InputIDs      []int64
	AttentionMask []int64
}

// Len returns the sequence length in tokens.
func (e EncodedInput) Len() int { return len(e.InputIDs) }

// Tokenizer encodes text with the model's Hugging Face tokenizer.
type Tokenizer struct {
	tk *tokenizers.Tokenizer
}

// LoadTokenizer downloads (or reads from the hub cache) the tokenizer of repo.
func LoadTokenizer(repo *hub.Repo) (*Tokenizer, error) {
	path, err := repo.DownloadFile(TokenizerFile)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", TokenizerFile, err)
	}
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Tokenizer{tk: tk}, nil
}

// Encode tokenizes text, including the [CLS]/[SEP] markers added by the
// tokenizer's post-processor, and truncates the result to at most maxLength tokens.
func (t *Tokenizer) Encode(text string, maxLength int) (EncodedInput, error) {
	ids, _ := t.tk.Encode(text, true)
	if len(ids) == 0 {
		return EncodedInput{}, errors.New("tokenizer produced no tokens")
	}
	return newEncodedInput(Truncate(ids, maxLength)), nil
}

// Close releases the native tokenizer.
func (t *Tokenizer) Close() {
	if t.tk != nil {
		t.tk.Close()
		t.tk = nil
	}
}

// Truncate shortens ids to maxLength, keeping the final token (the [SEP]
// marker) in place of the last content token the way Hugging Face truncation
// does. maxLength <= 0 disables truncation.
func Truncate[T any](ids []T, maxLength int) []T {
	if maxLength <= 0 || len(ids) <= maxLength {
		return ids
	}
	if maxLength == 1 {
		return ids[:1]
	}
	out := make([]T, maxLength)
	copy(out, ids[:maxLength-1])
	out[maxLength-1] = ids[len(ids)-1]
	return out
}

func newEncodedInput[T ~int | ~uint32](ids []T) EncodedInput {
	in := EncodedInput{
		InputIDs:      make([]int64, len(ids)),
		AttentionMask: make([]int64, len(ids)),
	}
	for i, id := range ids {
		in.InputIDs[i] = int64(id)
		in.AttentionMask[i] = 1
	}
	return in
}
