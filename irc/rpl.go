package irc

// Numeric reply codes used by the session FSM and composer, named per
// RFC 1459/2812 and the IRCv3 extensions.
const (
	rplWelcome  = "001"
	rplYourhost = "002"
	rplCreated  = "003"
	rplMyinfo   = "004"
	rplIsupport = "005"

	rplUmodeis       = "221"
	rplLuserclient   = "251"
	rplLuserop       = "252"
	rplLuserunknown  = "253"
	rplLuserchannels = "254"
	rplLuserme       = "255"

	rplAway            = "301"
	rplUnaway          = "305"
	rplNowaway         = "306"
	rplWhoisuser       = "311"
	rplWhoisserver     = "312"
	rplWhoisoperator   = "313"
	rplWhowasuser      = "314"
	rplEndofwho        = "315"
	rplWhoisidle       = "317"
	rplEndofwhois      = "318"
	rplWhoischannels   = "319"
	rplChannelmodeis   = "324"
	rplNotopic         = "331"
	rplTopic           = "332"
	rplTopicwhotime    = "333"
	rplInviting        = "341"
	rplInvited         = "345"
	rplInvitelist      = "346"
	rplEndofinvitelist = "347"
	rplExceptlist      = "348"
	rplEndofexceptlist = "349"
	rplWhoisaccount    = "330"
	rplWhoishost       = "378"
	rplWhoreply        = "352"
	rplNamreply        = "353"
	rplEndofnames      = "366"
	rplBanlist         = "367"
	rplEndofbanlist    = "368"
	rplEndofwhowas     = "369"
	rplMotd            = "372"
	rplMotdstart       = "375"
	rplEndofmotd       = "376"
	rplWhoissecure     = "671"

	errNosuchnick       = "401"
	errNosuchchannel    = "403"
	errCannotsendtochan = "404"
	errUnknowncommand   = "421"
	errNomotd           = "422"
	errNonicknamegiven  = "431"
	errErroneusnickname = "432"
	errNicknameinuse    = "433"
	errNotonchannel     = "442"
	errNotregistered    = "451"
	errNeedmoreparams   = "461"
	errAlreadyregistred = "462"
	errPasswdmismatch   = "464"
	errYourebannedcreep = "465"
	errChanoprivsneeded = "482"
	errMonlistisfull    = "734"

	rplLoggedin    = "900"
	rplLoggedout   = "901"
	errNicklocked  = "902"
	rplSaslsuccess = "903"
	errSaslfail    = "904"
	errSasltoolong = "905"
	errSaslaborted = "906"
	errSaslalready = "907"
	rplSaslmechs   = "908"

	rplMononline  = "730"
	rplMonoffline = "731"
)
