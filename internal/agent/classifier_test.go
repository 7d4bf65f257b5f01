package agent

import (
	"context"
	"strings"
	"testing"

	"uniq/internal/domain"
)

var cs5 = domain.StudentContext{Name: "Asha", RollNo: "21CS042", Department: "CS", Branch: "AI", Semester: "S5"}

func TestClassifier_GreetingsSkipModel(t *testing.T) {
	gen := &scriptedGenerator{answer: "RAG"}
	c := NewClassifier(ClassifierConfig{Generator: gen, Logger: testLogger()})

	for _, q := range []string{"hi", "Hello!", "  thanks a lot ", "Good morning, Uni-Q", "hey, how are you?", "THANK YOU"} {
		got := c.Classify(context.Background(), q, cs5)
		if got.Route != domain.RouteGeneral || got.Reason != ReasonGreeting {
			t.Errorf("Classify(%q) = %+v, want GENERAL/greeting", q, got)
		}
	}
	if gen.generateCalls != 0 {
		t.Fatalf("greetings must not call the model, got %d calls", gen.generateCalls)
	}
}

func TestClassifier_GreetingIsWholeWord(t *testing.T) {
	gen := &scriptedGenerator{answer: "RAG"}
	c := NewClassifier(ClassifierConfig{Generator: gen, Logger: testLogger()})

	// "this" and "which" contain "hi"; "they" contains "hey"
	got := c.Classify(context.Background(), "which lab is this week and what do they cover", cs5)
	if got.Reason == ReasonGreeting {
		t.Fatalf("substring of a word matched a greeting: %+v", got)
	}
}

func TestClassifier_AcademicKeywords(t *testing.T) {
	gen := &scriptedGenerator{answer: "GENERAL"}
	c := NewClassifier(ClassifierConfig{Generator: gen, Logger: testLogger()})

	for _, q := range []string{"explain chapter 3", "What are the assignment requirements?", "Summarize the syllabus", "how to submit the project", "exams next week"} {
		got := c.Classify(context.Background(), q, cs5)
		if got.Route != domain.RouteRAG || got.Reason != ReasonKeyword {
			t.Errorf("Classify(%q) = %+v, want RAG/keyword", q, got)
		}
	}
	if gen.generateCalls != 0 {
		t.Fatalf("keywords must not call the model, got %d calls", gen.generateCalls)
	}
}

func TestClassifier_ModelDecision(t *testing.T) {
	tests := []struct {
		answer string
		err    error
		want   Classification
	}{
		{answer: "GENERAL", want: Classification{domain.RouteGeneral, ReasonModel}},
		{answer: " general.\n", want: Classification{domain.RouteGeneral, ReasonModel}},
		{answer: "RAG", want: Classification{domain.RouteRAG, ReasonModel}},
		{answer: "GENERAL or RAG", want: Classification{domain.RouteRAG, ReasonModelAmbiguous}},
		{answer: "I am not sure", want: Classification{domain.RouteRAG, ReasonModelAmbiguous}},
		{err: errGenDown, want: Classification{domain.RouteRAG, ReasonModelError}},
	}
	for _, tt := range tests {
		gen := &scriptedGenerator{answer: tt.answer, err: tt.err}
		c := NewClassifier(ClassifierConfig{
			Generator: gen,
			Options:   domain.GenerateOptions{Temperature: 0.1, ContextSize: 512, MaxTokens: 10},
			Logger:    testLogger(),
		})
		got := c.Classify(context.Background(), "what is the capital of France", cs5)
		if got != tt.want {
			t.Errorf("answer %q err %v: got %+v, want %+v", tt.answer, tt.err, got, tt.want)
		}
		if gen.generateCalls != 1 {
			t.Fatalf("expected one model call, got %d", gen.generateCalls)
		}
		p := gen.lastPrompt()
		if !strings.Contains(p, "Student: CS, S5") || !strings.Contains(p, "Query: what is the capital of France") {
			t.Fatalf("prompt missing student or query:\n%s", p)
		}
	}
}

func TestClassifier_NoGeneratorDefaultsToRAG(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Logger: testLogger()})
	if got := c.Classify(context.Background(), "what is entropy", cs5); got.Route != domain.RouteRAG {
		t.Fatalf("got %+v", got)
	}
}
