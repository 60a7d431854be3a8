package banner

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"chainmsg/pkg/models"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ██╗███╗   ██╗███╗   ███╗███████╗ ██████╗
██╔════╝██║  ██║██╔══██╗██║████╗  ██║████╗ ████║██╔════╝██╔════╝
██║     ███████║███████║██║██╔██╗ ██║██╔████╔██║███████╗██║  ███╗
██║     ██╔══██║██╔══██║██║██║╚██╗██║██║╚██╔╝██║╚════██║██║   ██║
╚██████╗██║  ██║██║  ██║██║██║ ╚████║██║ ╚═╝ ██║███████║╚██████╔╝
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝╚═╝╚═╝  ╚═══╝╚═╝     ╚═╝╚══════╝ ╚═════╝
`

// Print renders the startup banner with the effective runtime info.
func Print(addr, dbPath, version string, mode models.PublishMode, cacheBytes uint64) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:       %s\n", addr)
	fmt.Printf("Cache path:   %s (%s)\n", dbPath, humanize.Bytes(cacheBytes))
	fmt.Printf("Publish mode: %s\n", mode)
	if version != "" {
		fmt.Printf("Version:      %s\n", version)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST   /v1/messages            - send a message")
	fmt.Println("GET    /v1/messages            - fetch a conversation (?viewer=&peer=|group=)")
	fmt.Println("POST   /v1/messages/read       - mark messages read")
	fmt.Println("POST   /v1/messages/{id}/hide  - delete for me")
	fmt.Println("POST   /v1/messages/restore    - restore deleted messages")
	fmt.Println("GET    /v1/conversations       - previews with unread counts")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X POST 'http://localhost%s/v1/messages' -d '{\"sender\":\"alice\",\"receiver\":\"bob\",\"content\":\"hi\"}'\n", addr)
	fmt.Printf("curl 'http://localhost%s/v1/messages?viewer=alice&peer=bob'\n", addr)
	if mode == models.PublishLocal {
		fmt.Println("\nRunning in local publish mode: configure Pinata keys to archive to IPFS.")
	}
}
