package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"ChainHost/sdk/go/chainhost"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "ChainHost API 地址")
	flag.Parse()

	client, err := chainhost.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	act, err := client.ActivatePlugins(ctx, "", "chainhost/network", "chainhost/wallet")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted activation %s\n", act.ID)

	act, err = client.WaitActivation(ctx, act.ID, time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("activation %s finished: %s\n", act.ID, act.Status)

	networks, err := client.ListResources(ctx, "chainhost/network", "network")
	if err != nil {
		log.Fatal(err)
	}
	if len(networks) == 0 {
		fmt.Println("no networks configured")
		return
	}

	wallet, err := client.CreateResource(ctx, "chainhost/wallet", "wallet", chainhost.Resource{
		"name":    "demo",
		"network": networks[0]["name"],
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("created wallet %v on %v\n", wallet["address"], wallet["network"])
}
