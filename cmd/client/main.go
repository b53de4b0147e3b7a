// The client is the interactive end-user program: it signs the user up
// (retrying on username collisions), subscribes to the user's notification
// topic, and drives every operation through a 7-option text menu.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"redesocial/internal/client"
	"redesocial/internal/config"
	"redesocial/internal/logging"
	"redesocial/internal/wire"
)

func main() {
	cfg := loadConfig()

	log, closeLog := logging.New("client", "", "", cfg.Debug)
	defer closeLog()

	in := bufio.NewReader(os.Stdin)

	user, err := client.Dial(cfg, log)
	if err != nil {
		fmt.Println("Erro ao conectar:", err)
		os.Exit(1)
	}
	defer user.Close()

	username := prompt(in, "Digite seu nome de usuário: ")
	for {
		ret, err := user.SignUp(username)
		if err != nil {
			fmt.Println("Erro ao cadastrar:", err)
			os.Exit(1)
		}
		if ret == wire.Success {
			fmt.Printf("Usuário '%s' cadastrado com sucesso com ID %d e tópico '%s'.\n",
				user.Username, user.ID, user.Topic)
			break
		}
		fmt.Println("Username inválido - outro usuário já possui esse username!")
		username = prompt(in, "Informe um novo username: ")
	}

	for {
		showMenu()
		option, err := strconv.Atoi(prompt(in, "Escolha uma opção: "))
		if err != nil {
			fmt.Println("Por favor, digite um número válido.")
			continue
		}

		switch option {
		case 1:
			postText(in, user)
		case 2:
			followUser(in, user)
		case 3:
			sendPrivateMessage(in, user)
		case 4:
			viewNotifications(user)
		case 5:
			viewTimeline(user)
		case 6:
			setForcedDelay(in, user)
		case 7:
			fmt.Println("Saindo...")
			return
		default:
			fmt.Println("Opção inválida. Tente novamente.")
		}
	}
}

func showMenu() {
	fmt.Println("\n===== Menu da Rede Social =====")
	fmt.Println("1. Publicar texto")
	fmt.Println("2. Seguir usuário")
	fmt.Println("3. Enviar mensagem privada")
	fmt.Println("4. Ver notificações")
	fmt.Println("5. Ver timeline")
	fmt.Println("6. Forçar atraso no relógio")
	fmt.Println("7. Sair")
}

func postText(in *bufio.Reader, user *client.User) {
	fmt.Println("\n--- Publicar Texto ---")
	text := prompt(in, "Digite seu texto: ")
	if _, err := user.PostText(text); err != nil {
		fmt.Println("Erro ao publicar:", err)
	}
}

func followUser(in *bufio.Reader, user *client.User) {
	fmt.Println("\n--- Seguir Usuário ---")
	name := prompt(in, "Digite o nome do usuário que deseja seguir: ")
	if name == user.Username {
		fmt.Println("Você não pode seguir a si mesmo.")
		return
	}

	ret, err := user.Follow(name)
	if err != nil {
		fmt.Println("Erro ao seguir:", err)
		return
	}
	switch ret {
	case wire.Success:
		fmt.Printf("Agora você está seguindo %s.\n", name)
	case wire.ErrUserNotFound:
		fmt.Println("Usuário não encontrado.")
	default:
		fmt.Println("Erro ao tentar seguir o usuário.")
	}
}

func sendPrivateMessage(in *bufio.Reader, user *client.User) {
	fmt.Println("\n--- Enviar Mensagem Privada ---")
	recipient := prompt(in, "Digite o nome do destinatário: ")
	if recipient == user.Username {
		fmt.Println("Você não pode enviar mensagens para si mesmo.")
		return
	}

	displayConversation(user, recipient)

	text := prompt(in, "Digite a mensagem: ")
	ret, err := user.SendPrivateMessage(recipient, text)
	if err != nil || ret != wire.Success {
		fmt.Println("Erro ao enviar mensagem, tente novamente!")
		return
	}
	displayConversation(user, recipient)
}

func displayConversation(user *client.User, recipient string) {
	messages, err := user.Conversation(recipient)
	if err != nil {
		fmt.Println("Erro ao buscar conversa:", err)
		return
	}

	fmt.Println("\nConversa entre você e", recipient)
	fmt.Println(strings.Repeat("-", 50))
	for _, msg := range messages {
		when := time.Unix(msg.Timestamp, 0).Format("15:04")
		if msg.Sender == user.Username {
			fmt.Printf("%25s %s: %s  [%s]\n", "", msg.Sender, msg.Text, when)
		} else {
			fmt.Printf("%s: %s  [%s]\n", msg.Sender, msg.Text, when)
		}
	}
}

func viewNotifications(user *client.User) {
	fmt.Println("\n--- Ver Notificações ---")
	notifications := user.Notifications()
	if len(notifications) == 0 {
		fmt.Println("Nenhuma nova notificação.")
		return
	}
	for i, notification := range notifications {
		fmt.Printf("[%d] %s\n", i+1, notification)
	}
}

func viewTimeline(user *client.User) {
	posts, err := user.Timeline()
	if err != nil {
		fmt.Println("Erro ao buscar timeline:", err)
		return
	}

	fmt.Println("\n--- Postagens Recebidas ---")
	for _, post := range posts {
		fmt.Println("----------------------------------")
		fmt.Printf("User: %s\n", post.Username)
		fmt.Printf("Texto: %s\n", post.Text)
		fmt.Printf("Enviado em: %s\n", post.SentAt)
	}
}

func setForcedDelay(in *bufio.Reader, user *client.User) {
	fmt.Println("\n--- Configurar Atraso Forçado ---")
	delay, err := strconv.Atoi(prompt(in, "Digite o atraso em segundos (0 para nenhum): "))
	if err != nil {
		fmt.Println("Valor inválido. Digite um número inteiro.")
		return
	}
	user.SetForcedDelay(delay)
	fmt.Printf("Atraso forçado configurado para %d segundos.\n", delay)
}

func prompt(in *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func loadConfig() *config.Config {
	if len(os.Args) >= 2 {
		cfg, err := config.Load(os.Args[1])
		if err != nil {
			os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
			os.Exit(1)
		}
		return cfg
	}
	return config.Default()
}
