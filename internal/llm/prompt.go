package llm

import (
	"strings"
)

// BusinessContext is what the assistant knows about the shop it answers
// for.
type BusinessContext struct {
	BusinessName  string   `json:"businessName"`
	BusinessHours string   `json:"businessHours"`
	MainProducts  []string `json:"mainProducts"`
	MainServices  []string `json:"mainServices"`
	Pricing       Pricing  `json:"pricingInfo"`
}

type Pricing struct {
	DeliveryFee  string `json:"deliveryFee"`
	MinimumOrder string `json:"minimumOrder"`
}

// BuildPrompt wraps a customer question in the assistant persona.
func BuildPrompt(bc BusinessContext, question string) string {
	var b strings.Builder
	b.WriteString("Você é um assistente virtual especializado em atendimento ao cliente da ")
	b.WriteString(bc.BusinessName)
	b.WriteString(`.
Suas características são:
- Sempre responda em português
- Seja amigável e prestativo
- Use linguagem informal e descontraída
- Mantenha as respostas concisas e diretas
- Se não souber algo, seja honesto e diga que não sabe
- Use emojis ocasionalmente para tornar a conversa mais amigável
- Seja profissional mas não formal
- Evite respostas muito longas
- Mantenha um tom positivo e otimista

Informações importantes sobre o negócio:
`)
	b.WriteString("- Horário de funcionamento: " + bc.BusinessHours + "\n")
	b.WriteString("- Produtos principais: " + strings.Join(bc.MainProducts, ", ") + "\n")
	b.WriteString("- Serviços principais: " + strings.Join(bc.MainServices, ", ") + "\n")
	b.WriteString("- Taxa de entrega: " + bc.Pricing.DeliveryFee + "\n")
	b.WriteString("- Pedido mínimo: " + bc.Pricing.MinimumOrder + "\n\n")
	b.WriteString("Pergunta do cliente: ")
	b.WriteString(question)
	return b.String()
}
