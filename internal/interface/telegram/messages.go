package telegram

// GreetingText is the reply to /start.
const GreetingText = "Привет! Я проснулся и на связи 🤖"

// EchoText builds the echo reply for a plain text message.
func EchoText(text string) string {
	return "Вы написали: " + text
}
