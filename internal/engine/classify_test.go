package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	c := NewClassifier()
	cases := []struct {
		msg  string
		want FailureClass
	}{
		{"Action Blocked", Blocked},
		{"tente novamente mais tarde", Blocked},
		{"Please try again later.", Blocked},
		{"AÇÃO BLOQUEADA pelo servidor", Blocked},
		{"Your account is temporarily blocked", Blocked},
		{"network timeout", Transient},
		{"", Transient},
		{"element not found: button[follow]", Transient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.msg), tc.msg)
	}
}

func TestClassifyExtraPhrases(t *testing.T) {
	t.Parallel()
	c := NewClassifier("  Challenge Required ", "", "action blocked")
	assert.Equal(t, Blocked, c.Classify("checkpoint: challenge required"))
	assert.Len(t, c.Phrases(), len(DefaultBlockPhrases)+1)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()
	c := NewClassifier()
	assert.Equal(t, Transient, c.ClassifyError(nil))
	assert.Equal(t, Blocked, c.ClassifyError(NewActionError(Follow, "Try Again Later")))
	assert.Equal(t, Transient, c.ClassifyError(errors.New("connection reset")))
	assert.Equal(t, "block_detected", Blocked.String())
}
