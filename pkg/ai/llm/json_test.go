package llm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ExtractJSON", func() {
	It("should pass through clean JSON objects", func() {
		Expect(ExtractJSON(`{"a":1}`)).To(Equal(`{"a":1}`))
	})

	It("should strip fenced code blocks", func() {
		raw := "```json\n{\"events\": []}\n```"
		Expect(ExtractJSON(raw)).To(Equal(`{"events": []}`))
	})

	It("should extract the first balanced object from surrounding prose", func() {
		raw := `Here is your data: {"holiday": "none"} — let me know if you need more.`
		Expect(ExtractJSON(raw)).To(Equal(`{"holiday": "none"}`))
	})

	It("should extract arrays", func() {
		raw := `The venues are: [{"name": "Legacy West"}] as requested.`
		Expect(ExtractJSON(raw)).To(Equal(`[{"name": "Legacy West"}]`))
	})

	It("should respect braces inside string literals", func() {
		raw := `{"note": "use {curly} braces", "n": 1}`
		Expect(ExtractJSON(raw)).To(Equal(raw))
	})

	It("should return raw text when nothing parses", func() {
		raw := "no json here at all"
		Expect(ExtractJSON(raw)).To(Equal(raw))
	})

	It("should return raw text for unbalanced fragments", func() {
		raw := `{"broken": `
		Expect(ExtractJSON(raw)).To(Equal(raw))
	})
})
