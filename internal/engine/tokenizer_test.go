package engine

import "testing"

func TestSimpleTokenizer(t *testing.T) {
	tok := &SimpleTokenizer{}
	inputIDs, attentionMask, tokenTypeIDs := tok.Tokenize("hello world", 8)

	if len(inputIDs) != 8 || len(attentionMask) != 8 || len(tokenTypeIDs) != 8 {
		t.Fatalf("expected all outputs padded to 8, got %d/%d/%d", len(inputIDs), len(attentionMask), len(tokenTypeIDs))
	}
	if inputIDs[0] != 101 {
		t.Errorf("expected [CLS] at position 0, got %d", inputIDs[0])
	}
	if attentionMask[0] != 1 || attentionMask[1] != 1 || attentionMask[2] != 1 {
		t.Error("expected attention over CLS and both words")
	}
	if inputIDs[3] != 102 {
		t.Errorf("expected [SEP] after words, got %d", inputIDs[3])
	}
	if attentionMask[7] != 0 {
		t.Error("expected padding positions unmasked")
	}
}

func TestSimpleTokenizerTruncates(t *testing.T) {
	tok := &SimpleTokenizer{}
	inputIDs, _, _ := tok.Tokenize("a b c d e f g h i j", 4)
	if len(inputIDs) != 4 {
		t.Fatalf("expected 4 tokens, got %d", len(inputIDs))
	}
}

func TestHashString(t *testing.T) {
	h := HashString("abc")
	if h < 0 {
		t.Errorf("hash should be non-negative, got %d", h)
	}
	if HashString("abc") != HashString("abc") {
		t.Error("hash should be deterministic")
	}
	if HashString("abc") == HashString("abd") {
		t.Error("different strings should usually hash differently")
	}
}
