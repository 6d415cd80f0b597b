package config

var wss = specification{
	protocol: "wss",
	options: []option{
		{
			key:     KeyProxyAddr,
			prompt:  "Enter the websocket address that the client will connect to.\nIt must start with wss:// or ws://\n> ",
			process: urlWithScheme("wss://", "ws://"),
		},
		hostnameOption,
		emailOption,
		rootCAOption,
		tlsMaxVersionOption,
	},
}
